package transform

import (
	"testing"

	"github.com/datacore/execution-core/internal/value"
)

func TestParsePipelineApply(t *testing.T) {
	lib := NewLibrary()

	cases := []struct {
		name string
		spec string
		in   value.Value
		want string
	}{
		{"identity on empty spec", "", value.String("  Hi  "), "  Hi  "},
		{"single step", "trim", value.String("  Hi  "), "Hi"},
		{"chained steps", "trim|lower", value.String("  HI  "), "hi"},
		{"truncate with arg", "truncate(3)", value.String("abcdef"), "abc"},
		{"titleCase", "titleCase", value.String("hello there"), "Hello There"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ParsePipeline(tc.spec)
			if err != nil {
				t.Fatalf("ParsePipeline(%q) error = %v", tc.spec, err)
			}
			got, err := p.Apply(lib, tc.in)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("Apply() = %q, want %q", got.String(), tc.want)
			}
		})
	}
}

func TestParsePipelineUnterminatedCall(t *testing.T) {
	if _, err := ParsePipeline("truncate(3"); err == nil {
		t.Fatalf("ParsePipeline() with unterminated call should error")
	}
}

func TestPipelineUnknownFunction(t *testing.T) {
	lib := NewLibrary()
	p, err := ParsePipeline("doesNotExist")
	if err != nil {
		t.Fatalf("ParsePipeline() error = %v", err)
	}
	if _, err := p.Apply(lib, value.String("x")); err == nil {
		t.Fatalf("Apply() with unknown function should error")
	}
}

func TestDefaultValue(t *testing.T) {
	lib := NewLibrary()
	p, _ := ParsePipeline("default(fallback)")

	got, err := p.Apply(lib, value.Null())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.String() != "fallback" {
		t.Fatalf("default() on null = %q, want fallback", got.String())
	}

	got, err = p.Apply(lib, value.String("present"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.String() != "present" {
		t.Fatalf("default() on non-null = %q, want present", got.String())
	}
}

func TestToNumberAndToBool(t *testing.T) {
	lib := NewLibrary()

	numP, _ := ParsePipeline("toNumber")
	got, err := numP.Apply(lib, value.String(" 42 "))
	if err != nil {
		t.Fatalf("toNumber Apply() error = %v", err)
	}
	if got.Number() != 42 {
		t.Fatalf("toNumber = %v, want 42", got.Number())
	}

	boolP, _ := ParsePipeline("toBool")
	got, err = boolP.Apply(lib, value.String("true"))
	if err != nil {
		t.Fatalf("toBool Apply() error = %v", err)
	}
	if !got.Bool() {
		t.Fatalf("toBool = %v, want true", got.Bool())
	}

	if _, err := numP.Apply(lib, value.String("not-a-number")); err == nil {
		t.Fatalf("toNumber on non-numeric string should error")
	}
}

func TestJSONParseAndGet(t *testing.T) {
	lib := NewLibrary()
	raw := value.String(`{"customer":{"name":"Ada","tags":["a","b"]}}`)

	parseP, _ := ParsePipeline("json_parse")
	parsed, err := parseP.Apply(lib, raw)
	if err != nil {
		t.Fatalf("json_parse Apply() error = %v", err)
	}
	name, ok := value.Get(parsed, "customer.name")
	if !ok || name.String() != "Ada" {
		t.Fatalf("json_parse result customer.name = %v, %v, want Ada, true", name, ok)
	}

	getP, _ := ParsePipeline("json_get(customer.name)")
	got, err := getP.Apply(lib, raw)
	if err != nil {
		t.Fatalf("json_get Apply() error = %v", err)
	}
	if got.String() != "Ada" {
		t.Fatalf("json_get(customer.name) = %q, want Ada", got.String())
	}

	missingP, _ := ParsePipeline("json_get(customer.missing)")
	got, err = missingP.Apply(lib, raw)
	if err != nil {
		t.Fatalf("json_get Apply() error = %v", err)
	}
	if !got.IsNull() {
		t.Fatalf("json_get of missing path = %v, want null", got)
	}
}

func TestConcat(t *testing.T) {
	lib := NewLibrary()
	p, _ := ParsePipeline("concat(-suffix)")
	got, err := p.Apply(lib, value.String("prefix"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.String() != "prefix-suffix" {
		t.Fatalf("concat() = %q, want prefix-suffix", got.String())
	}
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	lib := NewLibrary()
	lib.Register("upper", func(_ []string, in value.Value) (value.Value, error) {
		return value.String("OVERRIDDEN"), nil
	})
	p, _ := ParsePipeline("upper")
	got, err := p.Apply(lib, value.String("anything"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.String() != "OVERRIDDEN" {
		t.Fatalf("Apply() after Register override = %q, want OVERRIDDEN", got.String())
	}
}
