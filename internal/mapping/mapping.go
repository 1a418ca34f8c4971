// Package mapping implements the Mapping Engine (component E): a pure
// function over (mapping, batch, current time) that applies a Mapping's
// ordered, kind-dispatched rules — direct, transform, concat, split,
// lookup, formula, conditional, aggregate — to records read from a source
// Connector, honoring the Mapping's declared Cardinality (1:1, 1:N, N:1,
// N:N), followed by an optional whole-mapping expression (see DESIGN.md
// Open Question 2).
package mapping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/sandbox"
	"github.com/datacore/execution-core/internal/transform"
	"github.com/datacore/execution-core/internal/value"
)

// Engine applies Mappings to records.
type Engine struct {
	sandbox *sandbox.Sandbox
	lib     *transform.Library
}

func New(sb *sandbox.Sandbox, lib *transform.Library) *Engine {
	if lib == nil {
		lib = transform.NewLibrary()
	}
	return &Engine{sandbox: sb, lib: lib}
}

// RecordResult is one record's outcome from a Preview or ApplyBatch call:
// never both Target and Err set, matching the "preview endpoints return
// per-record ok/err" propagation policy of spec 7.
type RecordResult struct {
	Target value.Value
	Err    error
}

// ApplyBatch runs m against an entire source batch, dispatching on
// m.Cardinality (spec 4.E). Output record order matches source order; 1:N
// expanded elements stay contiguous in source order. When continueOnError
// is false (the default), the first per-record error aborts the batch and
// is returned directly; when true, failing records are skipped and recorded
// in the returned RecordResult slice alongside every record (successes
// included, Err nil).
func (e *Engine) ApplyBatch(ctx context.Context, m domain.Mapping, batch []value.Value, continueOnError bool) ([]value.Value, []RecordResult, error) {
	switch m.Cardinality {
	case domain.CardinalityManyToOne:
		out, err := e.applyGroup(ctx, m, batch)
		if err != nil {
			return nil, []RecordResult{{Err: err}}, err
		}
		return []value.Value{out}, []RecordResult{{Target: out}}, nil
	case domain.CardinalityManyToMany:
		return e.applyManyToMany(ctx, m, batch, continueOnError)
	case domain.CardinalityOneToMany:
		return e.applyEach(ctx, m, batch, continueOnError, true)
	default: // CardinalityOneToOne and unset
		return e.applyEach(ctx, m, batch, continueOnError, false)
	}
}

// applyEach applies the rule set per source record, expanding each record
// into one (1:1) or many (1:N, via an ExpandField-bearing rule) target
// records.
func (e *Engine) applyEach(ctx context.Context, m domain.Mapping, batch []value.Value, continueOnError, expand bool) ([]value.Value, []RecordResult, error) {
	var out []value.Value
	results := make([]RecordResult, 0, len(batch))

	for _, rec := range batch {
		var produced []value.Value
		var err error
		if expand {
			produced, err = e.applyOneToMany(ctx, m, rec)
		} else {
			var one value.Value
			one, err = e.applyOne(ctx, m, rec, nil)
			if err == nil {
				produced = []value.Value{one}
			}
		}
		if err != nil {
			results = append(results, RecordResult{Err: err})
			if !continueOnError {
				return nil, results, err
			}
			continue
		}
		out = append(out, produced...)
		for _, p := range produced {
			results = append(results, RecordResult{Target: p})
		}
	}
	return out, results, nil
}

// applyOneToMany expands a single source record into N target records via
// the rule whose ExpandField names a list-typed source field: in the i'th
// output record, every rule whose SourcePath is that list field resolves to
// element i, while every other rule resolves against the unexpanded source
// record (spec 4.E concrete
// scenario: tag copied into every expanded element, items[i] becomes each
// element's value field).
func (e *Engine) applyOneToMany(ctx context.Context, m domain.Mapping, rec value.Value) ([]value.Value, error) {
	var expandRule *domain.MappingRule
	for i := range m.Rules {
		if m.Rules[i].ExpandField != "" {
			expandRule = &m.Rules[i]
			break
		}
	}
	if expandRule == nil {
		one, err := e.applyOne(ctx, m, rec, nil)
		if err != nil {
			return nil, err
		}
		return []value.Value{one}, nil
	}

	list, ok := value.Get(rec, expandRule.ExpandField)
	if !ok || list.Kind() != value.KindList {
		return nil, fmt.Errorf("expand field %q is not a list", expandRule.ExpandField)
	}
	items := list.List()
	out := make([]value.Value, 0, len(items))
	for _, item := range items {
		overrides := map[string]value.Value{}
		for _, r := range m.Rules {
			if r.SourcePath == expandRule.ExpandField {
				overrides[r.TargetPath] = item
			}
		}
		one, err := e.applyOne(ctx, m, rec, overrides)
		if err != nil {
			return nil, err
		}
		out = append(out, one)
	}
	return out, nil
}

// applyGroup implements N:1: the whole batch is one group. Aggregation
// rules compute across every record in the group; non-aggregate rules read
// only the first record.
func (e *Engine) applyGroup(ctx context.Context, m domain.Mapping, group []value.Value) (value.Value, error) {
	var first value.Value
	if len(group) > 0 {
		first = group[0]
	} else {
		first = value.Object()
	}

	target := value.Object()
	for _, rule := range m.Rules {
		var fieldVal value.Value
		var err error
		if rule.Kind == domain.RuleAggregate {
			fieldVal, err = e.resolveAggregate(rule, group)
		} else {
			fieldVal, err = e.resolveRuleWithGuard(ctx, rule, first, target, nil)
		}
		if err != nil {
			return value.Value{}, fmt.Errorf("rule %d: %w", rule.Sequence, err)
		}
		if rule.Required && fieldVal.IsNull() {
			return value.Value{}, fmt.Errorf("rule %d: required target %q resolved to null", rule.Sequence, rule.TargetPath)
		}
		target, err = value.SetPath(target, rule.TargetPath, fieldVal)
		if err != nil {
			return value.Value{}, fmt.Errorf("rule %d target %q: %w", rule.Sequence, rule.TargetPath, err)
		}
	}
	if m.Expression != "" {
		result, err := e.sandbox.EvalValue(ctx, m.Expression, first, target)
		if err != nil {
			return value.Value{}, fmt.Errorf("mapping expression: %w", err)
		}
		target = result
	}
	return target, nil
}

// applyManyToMany implements N:N as 1:N applied within N:1: the batch's
// aggregate fields are computed once across the whole group, then merged
// into every expanded output record produced by the group's ExpandField
// rule.
func (e *Engine) applyManyToMany(ctx context.Context, m domain.Mapping, batch []value.Value, continueOnError bool) ([]value.Value, []RecordResult, error) {
	var aggRules, rest []domain.MappingRule
	for _, r := range m.Rules {
		if r.Kind == domain.RuleAggregate {
			aggRules = append(aggRules, r)
		} else {
			rest = append(rest, r)
		}
	}

	aggregated := value.Object()
	for _, rule := range aggRules {
		fieldVal, err := e.resolveAggregate(rule, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %d: %w", rule.Sequence, err)
		}
		aggregated, err = value.SetPath(aggregated, rule.TargetPath, fieldVal)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %d target %q: %w", rule.Sequence, rule.TargetPath, err)
		}
	}

	expandMapping := domain.Mapping{Rules: rest, Expression: m.Expression}
	out, results, err := e.applyEach(ctx, expandMapping, batch, continueOnError, true)
	if err != nil {
		return nil, results, err
	}
	merged := make([]value.Value, len(out))
	for i, rec := range out {
		m := rec
		for _, k := range aggregated.Keys() {
			v, _ := aggregated.Field(k)
			m = m.Set(k, v)
		}
		merged[i] = m
	}
	return merged, results, nil
}

// applyOne runs m's rule set against a single source record, returning the
// built target record. overrides, when non-nil, replaces a rule's resolved
// value for the rule whose TargetPath is a key (used by 1:N expansion to
// substitute the i'th expanded element).
func (e *Engine) applyOne(ctx context.Context, m domain.Mapping, source value.Value, overrides map[string]value.Value) (value.Value, error) {
	target := value.Object()

	for _, rule := range m.Rules {
		var fieldVal value.Value
		var err error
		if overrides != nil {
			if ov, ok := overrides[rule.TargetPath]; ok {
				fieldVal = ov
			} else {
				fieldVal, err = e.resolveRuleWithGuard(ctx, rule, source, target, nil)
			}
		} else {
			fieldVal, err = e.resolveRuleWithGuard(ctx, rule, source, target, nil)
		}
		if err != nil {
			return value.Value{}, fmt.Errorf("rule %d: %w", rule.Sequence, err)
		}
		if rule.Required && fieldVal.IsNull() {
			return value.Value{}, fmt.Errorf("rule %d: required target %q resolved to null", rule.Sequence, rule.TargetPath)
		}
		target, err = value.SetPath(target, rule.TargetPath, fieldVal)
		if err != nil {
			return value.Value{}, fmt.Errorf("rule %d target %q: %w", rule.Sequence, rule.TargetPath, err)
		}
	}

	if m.Expression != "" {
		result, err := e.sandbox.EvalValue(ctx, m.Expression, source, target)
		if err != nil {
			return value.Value{}, fmt.Errorf("mapping expression: %w", err)
		}
		target = result
	}

	return target, nil
}

// resolveRuleWithGuard evaluates a rule's predicate (if any), falling back
// to DefaultValue when it is false, then dispatches by Kind (spec 4.E steps
// 1-2). Conditional rules have already been resolved once the predicate
// guard runs, so RuleConditional performs no further dispatch.
func (e *Engine) resolveRuleWithGuard(ctx context.Context, rule domain.MappingRule, source, target value.Value, group []value.Value) (value.Value, error) {
	if rule.Predicate != "" {
		ok, err := e.sandbox.EvalBool(ctx, rule.Predicate, source, target)
		if err != nil {
			return value.Value{}, fmt.Errorf("predicate: %w", err)
		}
		if !ok {
			return value.FromGo(rule.DefaultValue), nil
		}
	}
	return e.resolveKind(ctx, rule, source, target, group)
}

// resolveKind dispatches a rule to its kind-specific value resolution.
func (e *Engine) resolveKind(ctx context.Context, rule domain.MappingRule, source, target value.Value, group []value.Value) (value.Value, error) {
	switch rule.Kind {
	case domain.RuleConditional:
		resolved, err := e.resolveSource(source, rule.SourcePath)
		if err != nil {
			return value.Value{}, err
		}
		if resolved.IsNull() && rule.DefaultValue != nil {
			return value.FromGo(rule.DefaultValue), nil
		}
		return resolved, nil

	case domain.RuleConcat:
		sep, _ := rule.Params["separator"].(string)
		paths := rule.SourceFields
		if rule.SourcePath != "" {
			paths = append([]string{rule.SourcePath}, paths...)
		}
		parts := make([]string, 0, len(paths))
		for _, p := range paths {
			v, err := e.resolveSource(source, p)
			if err != nil {
				return value.Value{}, err
			}
			parts = append(parts, stringify(v))
		}
		return value.String(strings.Join(parts, sep)), nil

	case domain.RuleSplit:
		v, err := e.resolveSource(source, rule.SourcePath)
		if err != nil {
			return value.Value{}, err
		}
		delim, _ := rule.Params["delimiter"].(string)
		idx := intParam(rule.Params, "index")
		parts := strings.Split(stringify(v), delim)
		if idx < 0 || idx >= len(parts) {
			return value.FromGo(rule.DefaultValue), nil
		}
		return value.String(parts[idx]), nil

	case domain.RuleLookup:
		v, err := e.resolveSource(source, rule.SourcePath)
		if err != nil {
			return value.Value{}, err
		}
		table, _ := rule.Params["lookup_table"].(map[string]any)
		if table == nil {
			return value.FromGo(rule.DefaultValue), nil
		}
		if found, ok := table[stringify(v)]; ok {
			return value.FromGo(found), nil
		}
		return value.FromGo(rule.DefaultValue), nil

	case domain.RuleFormula:
		formula, _ := rule.Params["formula"].(string)
		if formula == "" {
			return value.FromGo(rule.DefaultValue), nil
		}
		return e.sandbox.EvalValue(ctx, formula, source, target)

	case domain.RuleTransform:
		v, err := e.resolveSource(source, rule.SourcePath)
		if err != nil {
			return value.Value{}, err
		}
		if rule.Transform == "" {
			return v, nil
		}
		pipeline, err := transform.ParsePipeline(rule.Transform)
		if err != nil {
			return value.Value{}, fmt.Errorf("transform: %w", err)
		}
		return pipeline.Apply(e.lib, v)

	case domain.RuleAggregate:
		return e.resolveAggregate(rule, group)

	default: // RuleDirect and unset
		return e.resolveSource(source, rule.SourcePath)
	}
}

// resolveAggregate computes rule.Aggregation across group's resolved
// SourcePath values (spec 4.E): empty input yields count=0, sum=0, avg=nil,
// min/max=nil, first/last=nil, concat="".
func (e *Engine) resolveAggregate(rule domain.MappingRule, group []value.Value) (value.Value, error) {
	values := make([]value.Value, 0, len(group))
	for _, rec := range group {
		v, err := e.resolveSource(rec, rule.SourcePath)
		if err != nil {
			return value.Value{}, err
		}
		if v.IsNull() {
			continue
		}
		values = append(values, v)
	}

	switch rule.Aggregation {
	case domain.AggCount:
		return value.Number(float64(len(values))), nil
	case domain.AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v.Number()
		}
		return value.Number(sum), nil
	case domain.AggAvg:
		if len(values) == 0 {
			return value.Null(), nil
		}
		sum := 0.0
		for _, v := range values {
			sum += v.Number()
		}
		return value.Number(sum / float64(len(values))), nil
	case domain.AggMin:
		if len(values) == 0 {
			return value.Null(), nil
		}
		min := values[0].Number()
		for _, v := range values[1:] {
			if n := v.Number(); n < min {
				min = n
			}
		}
		return value.Number(min), nil
	case domain.AggMax:
		if len(values) == 0 {
			return value.Null(), nil
		}
		max := values[0].Number()
		for _, v := range values[1:] {
			if n := v.Number(); n > max {
				max = n
			}
		}
		return value.Number(max), nil
	case domain.AggFirst:
		if len(values) == 0 {
			return value.Null(), nil
		}
		return values[0], nil
	case domain.AggLast:
		if len(values) == 0 {
			return value.Null(), nil
		}
		return values[len(values)-1], nil
	case domain.AggConcat:
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = stringify(v)
		}
		sep, _ := rule.Params["separator"].(string)
		return value.String(strings.Join(parts, sep)), nil
	default:
		return value.Null(), nil
	}
}

// resolveSource resolves a rule's source path against the record. Plain
// dotted paths go through internal/value directly; a path wrapped in `$...`
// is treated as a JSONPath expression (rare, but present when a source
// field name is itself structured) and resolved via jsonpath+gval against
// the record's plain-Go form. A bare arithmetic/selector expression
// containing an operator (e.g. "qty * unit_price") is evaluated via gval
// directly against the record.
func (e *Engine) resolveSource(source value.Value, path string) (value.Value, error) {
	if path == "" {
		return value.Null(), nil
	}
	if path[0] == '$' {
		result, err := jsonpath.Get(path, value.ToGo(source))
		if err != nil {
			return value.Value{}, fmt.Errorf("jsonpath %q: %w", path, err)
		}
		return value.FromGo(result), nil
	}
	if isGvalExpression(path) {
		result, err := evalGval(path, source)
		if err != nil {
			return value.Value{}, fmt.Errorf("expression %q: %w", path, err)
		}
		return value.FromGo(result), nil
	}

	got, ok := value.Get(source, path)
	if !ok {
		return value.Null(), nil
	}
	return got, nil
}

// isGvalExpression reports whether path looks like an arithmetic/selector
// expression rather than a plain dotted field path.
func isGvalExpression(path string) bool {
	return strings.ContainsAny(path, "+-*/()><=")
}

// evalGval evaluates a gval arithmetic/selector expression against source,
// used by resolveSource for SourcePaths that are expressions rather than
// plain dotted paths (e.g. "qty * unit_price").
func evalGval(expr string, source value.Value) (any, error) {
	lang := gval.Full()
	return lang.Evaluate(expr, value.ToGo(source))
}

func stringify(v value.Value) string {
	switch v.Kind() {
	case value.KindString:
		return v.String()
	case value.KindNull:
		return ""
	case value.KindNumber:
		return strconv.FormatFloat(v.Number(), 'g', -1, 64)
	case value.KindBool:
		return strconv.FormatBool(v.Bool())
	default:
		return fmt.Sprintf("%v", value.ToGo(v))
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

// Preview runs ApplyBatch over a sample batch under m's own Cardinality
// with continueOnError=true, returning ApplyBatch's RecordResults instead
// of failing the whole batch on the first error. Per DESIGN.md's Open
// Question 1 decision, Preview does not consume Rate & Admission Control
// tokens.
func (e *Engine) Preview(ctx context.Context, m domain.Mapping, samples []value.Value) []RecordResult {
	_, results, _ := e.ApplyBatch(ctx, m, samples, true)
	return results
}
