// Package transform implements the Transform Library (component D): a set
// of named, composable field-level transforms a MappingRule can chain
// (pipe-separated) to reshape one field's value independent of the
// whole-mapping Expression Sandbox run.
package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/datacore/execution-core/internal/value"
)

// Func is a single named transform: given an argument list (parsed from the
// pipeline syntax, e.g. "truncate(40)") and the input value, it returns the
// transformed value or an error describing why the input couldn't be
// coerced.
type Func func(args []string, in value.Value) (value.Value, error)

// Library is the registry of named transforms available to a MappingRule's
// Transform pipeline.
type Library struct {
	funcs map[string]Func
}

// NewLibrary returns a Library pre-populated with the built-in transform set.
func NewLibrary() *Library {
	l := &Library{funcs: map[string]Func{}}
	for name, fn := range builtins {
		l.funcs[name] = fn
	}
	return l
}

// Register adds or overrides a named transform.
func (l *Library) Register(name string, fn Func) {
	l.funcs[name] = fn
}

// Pipeline is a parsed, ordered sequence of transform invocations, e.g.
// "trim|lower|truncate(40)".
type Pipeline struct {
	steps []step
}

type step struct {
	name string
	args []string
}

// ParsePipeline parses a pipe-separated transform chain. An empty spec
// yields an identity pipeline.
func ParsePipeline(spec string) (Pipeline, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Pipeline{}, nil
	}
	parts := strings.Split(spec, "|")
	steps := make([]step, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, args, err := parseCall(p)
		if err != nil {
			return Pipeline{}, err
		}
		steps = append(steps, step{name: name, args: args})
	}
	return Pipeline{steps: steps}, nil
}

func parseCall(s string) (string, []string, error) {
	open := strings.Index(s, "(")
	if open < 0 {
		return s, nil, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("transform: unterminated call %q", s)
	}
	name := s[:open]
	argStr := s[open+1 : len(s)-1]
	if argStr == "" {
		return name, nil, nil
	}
	rawArgs := strings.Split(argStr, ",")
	args := make([]string, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = strings.TrimSpace(strings.Trim(a, `"'`))
	}
	return name, args, nil
}

// Apply runs the pipeline's steps in order against in, using lib to resolve
// each step's name.
func (p Pipeline) Apply(lib *Library, in value.Value) (value.Value, error) {
	cur := in
	for _, st := range p.steps {
		fn, ok := lib.funcs[st.name]
		if !ok {
			return value.Value{}, fmt.Errorf("transform: unknown function %q", st.name)
		}
		next, err := fn(st.args, cur)
		if err != nil {
			return value.Value{}, fmt.Errorf("transform %q: %w", st.name, err)
		}
		cur = next
	}
	return cur, nil
}

var builtins = map[string]Func{
	"trim":      trim,
	"lower":     lower,
	"upper":     upper,
	"truncate":  truncate,
	"default":   defaultVal,
	"toString":  toStringFn,
	"toNumber":  toNumberFn,
	"toBool":    toBoolFn,
	"dateFormat": dateFormat,
	"concat":    concat,
	"titleCase": titleCase,
	"json_parse": jsonParse,
	"json_get":   jsonGet,
	"round":      round,
}

// jsonParse parses a raw JSON string field into a Value tree. Used when a
// Connector hands back a field that is itself an embedded JSON document
// (e.g. a Postgres jsonb column read as text) rather than a native object.
func jsonParse(_ []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString {
		return in, nil
	}
	parsed := gjson.Parse(in.String())
	if !parsed.Exists() {
		return value.Value{}, fmt.Errorf("json_parse: invalid JSON")
	}
	return gjsonToValue(parsed), nil
}

// jsonGet extracts one field from a raw JSON string via a gjson path,
// without a full parse.
func jsonGet(args []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString || len(args) == 0 {
		return in, nil
	}
	result := gjson.Get(in.String(), args[0])
	if !result.Exists() {
		return value.Null(), nil
	}
	return gjsonToValue(result), nil
}

func gjsonToValue(r gjson.Result) value.Value {
	switch r.Type {
	case gjson.Null:
		return value.Null()
	case gjson.True, gjson.False:
		return value.Bool(r.Bool())
	case gjson.Number:
		return value.Number(r.Num)
	case gjson.String:
		return value.String(r.Str)
	case gjson.JSON:
		if r.IsArray() {
			var items []value.Value
			r.ForEach(func(_, v gjson.Result) bool {
				items = append(items, gjsonToValue(v))
				return true
			})
			return value.List(items)
		}
		obj := value.Object()
		r.ForEach(func(k, v gjson.Result) bool {
			obj = obj.Set(k.String(), gjsonToValue(v))
			return true
		})
		return obj
	default:
		return value.Null()
	}
}

func trim(_ []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString {
		return in, nil
	}
	return value.String(strings.TrimSpace(in.String())), nil
}

func lower(_ []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString {
		return in, nil
	}
	return value.String(strings.ToLower(in.String())), nil
}

func upper(_ []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString {
		return in, nil
	}
	return value.String(strings.ToUpper(in.String())), nil
}

func titleCase(_ []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString {
		return in, nil
	}
	runes := []rune(strings.ToLower(in.String()))
	atStart := true
	for i, r := range runes {
		if atStart && unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
			atStart = false
		} else if unicode.IsSpace(r) {
			atStart = true
		}
	}
	return value.String(string(runes)), nil
}

func truncate(args []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString || len(args) == 0 {
		return in, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return value.Value{}, fmt.Errorf("truncate: invalid length %q", args[0])
	}
	s := in.String()
	if len(s) <= n {
		return in, nil
	}
	return value.String(s[:n]), nil
}

func defaultVal(args []string, in value.Value) (value.Value, error) {
	if !in.IsNull() || len(args) == 0 {
		return in, nil
	}
	return value.String(args[0]), nil
}

func toStringFn(_ []string, in value.Value) (value.Value, error) {
	switch in.Kind() {
	case value.KindString:
		return in, nil
	case value.KindNumber:
		return value.String(strconv.FormatFloat(in.Number(), 'f', -1, 64)), nil
	case value.KindBool:
		return value.String(strconv.FormatBool(in.Bool())), nil
	case value.KindNull:
		return value.String(""), nil
	default:
		return value.Value{}, fmt.Errorf("toString: cannot stringify %s", in.Kind())
	}
}

func toNumberFn(_ []string, in value.Value) (value.Value, error) {
	switch in.Kind() {
	case value.KindNumber:
		return in, nil
	case value.KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(in.String()), 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("toNumber: %w", err)
		}
		return value.Number(n), nil
	default:
		return value.Value{}, fmt.Errorf("toNumber: cannot convert %s", in.Kind())
	}
}

func toBoolFn(_ []string, in value.Value) (value.Value, error) {
	switch in.Kind() {
	case value.KindBool:
		return in, nil
	case value.KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(in.String()))
		if err != nil {
			return value.Value{}, fmt.Errorf("toBool: %w", err)
		}
		return value.Bool(b), nil
	case value.KindNumber:
		return value.Bool(in.Number() != 0), nil
	default:
		return value.Value{}, fmt.Errorf("toBool: cannot convert %s", in.Kind())
	}
}

func dateFormat(args []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindString || len(args) == 0 {
		return in, nil
	}
	t, err := time.Parse(time.RFC3339, in.String())
	if err != nil {
		return value.Value{}, fmt.Errorf("dateFormat: %w", err)
	}
	return value.String(t.Format(goLayout(args[0]))), nil
}

// goLayout maps a small set of common strftime-ish tokens to Go's reference
// layout, since mapping authors are unlikely to know Go's Mon Jan 2 form.
func goLayout(spec string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006", "MM", "01", "DD", "02",
		"HH", "15", "mm", "04", "ss", "05",
	)
	return replacer.Replace(spec)
}

// round rounds a numeric input to the given number of decimal places (arg 0,
// default 0), e.g. "round(2)" or bare "round" for whole numbers.
func round(args []string, in value.Value) (value.Value, error) {
	if in.Kind() != value.KindNumber {
		return in, nil
	}
	places := 0
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			return value.Value{}, fmt.Errorf("round: invalid precision %q", args[0])
		}
		places = p
	}
	scale := math.Pow(10, float64(places))
	return value.Number(math.Round(in.Number()*scale) / scale), nil
}

func concat(args []string, in value.Value) (value.Value, error) {
	base := ""
	if in.Kind() == value.KindString {
		base = in.String()
	}
	return value.String(base + strings.Join(args, "")), nil
}
