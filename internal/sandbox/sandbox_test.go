package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/datacore/execution-core/internal/value"
)

func TestEvalBoolTrueFalse(t *testing.T) {
	sb := New(DefaultLimits())
	source := value.Object().Set("age", value.Number(30))

	got, err := sb.EvalBool(context.Background(), "source.age >= 18", source, value.Null())
	if err != nil {
		t.Fatalf("EvalBool() error = %v", err)
	}
	if !got {
		t.Fatalf("EvalBool() = false, want true")
	}

	got, err = sb.EvalBool(context.Background(), "source.age < 18", source, value.Null())
	if err != nil {
		t.Fatalf("EvalBool() error = %v", err)
	}
	if got {
		t.Fatalf("EvalBool() = true, want false")
	}
}

func TestEvalBoolNonBooleanResultErrors(t *testing.T) {
	sb := New(DefaultLimits())
	if _, err := sb.EvalBool(context.Background(), "1 + 1", value.Null(), value.Null()); err == nil {
		t.Fatalf("EvalBool() of a non-boolean expression should error")
	}
}

func TestEvalValueReturnsTransformedTree(t *testing.T) {
	sb := New(DefaultLimits())
	source := value.Object().Set("first", value.String("Ada")).Set("last", value.String("Lovelace"))

	got, err := sb.EvalValue(context.Background(), `({full: source.first + " " + source.last})`, source, value.Null())
	if err != nil {
		t.Fatalf("EvalValue() error = %v", err)
	}
	full, ok := value.Get(got, "full")
	if !ok || full.String() != "Ada Lovelace" {
		t.Fatalf("EvalValue() full = %v, %v, want 'Ada Lovelace', true", full, ok)
	}
}

func TestEvalSyntaxErrorIsWrapped(t *testing.T) {
	sb := New(DefaultLimits())
	if _, err := sb.EvalValue(context.Background(), "this is not valid js {{{", value.Null(), value.Null()); err == nil {
		t.Fatalf("EvalValue() with invalid syntax should error")
	}
}

func TestEvalRespectsCPUBudget(t *testing.T) {
	sb := New(Limits{MaxCPUTime: 20 * time.Millisecond, MaxStatements: 100_000})
	_, err := sb.EvalValue(context.Background(), "while (true) {}", value.Null(), value.Null())
	if err == nil {
		t.Fatalf("EvalValue() of an infinite loop should error once the CPU budget is exceeded")
	}
}

func TestEvalRespectsContextCancellation(t *testing.T) {
	sb := New(Limits{MaxCPUTime: time.Minute, MaxStatements: 100_000})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := sb.EvalValue(ctx, "while (true) {}", value.Null(), value.Null()); err == nil {
		t.Fatalf("EvalValue() should error once ctx is cancelled")
	}
}
