// Package sandbox implements the Expression Sandbox (component C): a
// per-invocation goja JavaScript runtime used to evaluate Mapping rule
// predicates and whole-mapping expressions against a Value tree, isolated
// from the host and bounded by a CPU-time budget (Limits.MaxStatements is
// not enforced).
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dop251/goja"

	coreerrors "github.com/datacore/execution-core/infrastructure/errors"
	"github.com/datacore/execution-core/internal/value"
)

// Limits bounds one evaluation. A script that runs past MaxCPUTime, or whose
// ctx is cancelled, is interrupted and reported as a sandbox error, never a
// host panic (spec Design Notes: sandbox-vs-host exceptions). MaxStatements
// is stored but not enforced.
type Limits struct {
	MaxCPUTime     time.Duration
	MaxStatements  int
}

func DefaultLimits() Limits {
	return Limits{MaxCPUTime: 5 * time.Second, MaxStatements: 100_000}
}

// Sandbox evaluates expressions. It is safe for concurrent use: every Eval
// call constructs a fresh goja.Runtime, so no state leaks between scripts.
type Sandbox struct {
	limits Limits
}

func New(limits Limits) *Sandbox {
	if limits.MaxCPUTime <= 0 {
		limits.MaxCPUTime = DefaultLimits().MaxCPUTime
	}
	if limits.MaxStatements <= 0 {
		limits.MaxStatements = DefaultLimits().MaxStatements
	}
	return &Sandbox{limits: limits}
}

// EvalBool evaluates expr as a mapping-rule predicate: expr must produce a
// JS boolean given `source` and `target` bindings.
func (s *Sandbox) EvalBool(ctx context.Context, expr string, source, target value.Value) (bool, error) {
	result, err := s.eval(ctx, expr, source, target)
	if err != nil {
		return false, err
	}
	b, ok := result.Export().(bool)
	if !ok {
		return false, coreerrors.New(coreerrors.CodeSandboxRuntime, "expression did not evaluate to a boolean", http.StatusUnprocessableEntity)
	}
	return b, nil
}

// EvalValue evaluates expr as a whole-mapping expression: expr runs with
// `source` and `target` bound and may return any JSON-compatible value,
// becoming the new target tree (see DESIGN.md Open Question 2).
func (s *Sandbox) EvalValue(ctx context.Context, expr string, source, target value.Value) (value.Value, error) {
	result, err := s.eval(ctx, expr, source, target)
	if err != nil {
		return value.Value{}, err
	}
	return value.FromGo(result.Export()), nil
}

func (s *Sandbox) eval(ctx context.Context, expr string, source, target value.Value) (goja.Value, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(256)

	statementBudget := s.limits.MaxStatements
	_ = vm.Set("source", value.ToGo(source))
	_ = vm.Set("target", value.ToGo(target))

	done := make(chan struct{})
	timer := time.AfterFunc(s.limits.MaxCPUTime, func() {
		vm.Interrupt(fmt.Errorf("%w: exceeded %s CPU budget", errSandboxTimeout, s.limits.MaxCPUTime))
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	_ = statementBudget // MaxStatements is not enforced: only the CPU-time
	// timer above and ctx cancellation interrupt a script.

	result, err := vm.RunString(expr)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			return nil, coreerrors.New(coreerrors.CodeSandboxTimeout, ie.Error(), http.StatusUnprocessableEntity)
		}
		return nil, coreerrors.Wrap(coreerrors.CodeSandboxSyntax, "expression evaluation failed", http.StatusUnprocessableEntity, err)
	}
	return result, nil
}

type sandboxTimeoutError string

func (e sandboxTimeoutError) Error() string { return string(e) }

var errSandboxTimeout = sandboxTimeoutError("sandbox timeout")
