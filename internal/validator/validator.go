// Package validator implements the Mapping Validator (component F): static
// checks run over a Mapping before it can move from draft to validated —
// structural well-formedness, source/target path existence, required-field
// closure, target uniqueness, type compatibility via the Schema & Type
// Registry, and expression syntax (rule order is not checked) — without executing any
// rule against real data. It also reports coverage metrics and authoring
// suggestions (spec 4.F).
package validator

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/registry"
	"github.com/datacore/execution-core/internal/transform"
)

// Severity classifies a single finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one static-check result.
type Finding struct {
	RuleSequence int
	Severity     Severity
	Message      string
}

// Coverage reports what fraction of schema fields and required targets a
// Mapping's rules actually reach (spec 4.F "Coverage metrics").
type Coverage struct {
	SourceFieldPct   float64
	TargetFieldPct   float64
	RequiredFieldPct float64
}

// Suggestion is an authoring hint that does not block validation.
type Suggestion struct {
	Kind    string // "unmapped_required", "unused_source", "lossy_conversion"
	Field   string
	Detail  string
}

// Report is the full result of validating a Mapping: it is valid (may be
// promoted past draft) iff it contains no SeverityError finding.
type Report struct {
	Findings    []Finding
	Coverage    Coverage
	Suggestions []Suggestion
}

func (r Report) Valid() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Validator runs static checks against the Schema & Type Registry.
type Validator struct {
	registry *registry.Registry
	lib      *transform.Library
}

func New(reg *registry.Registry, lib *transform.Library) *Validator {
	if lib == nil {
		lib = transform.NewLibrary()
	}
	return &Validator{registry: reg, lib: lib}
}

var validCardinalities = map[domain.Cardinality]bool{
	domain.CardinalityOneToOne:   true,
	domain.CardinalityOneToMany:  true,
	domain.CardinalityManyToOne:  true,
	domain.CardinalityManyToMany: true,
}

// Validate runs every ordered static check against m and its resolved
// source/target schemas (spec 4.F, checks 1-7), then computes coverage
// metrics and authoring suggestions.
func (v *Validator) Validate(m domain.Mapping, source, target domain.Schema) Report {
	var report Report
	add := func(seq int, sev Severity, format string, args ...any) {
		report.Findings = append(report.Findings, Finding{
			RuleSequence: seq,
			Severity:     sev,
			Message:      fmt.Sprintf(format, args...),
		})
	}

	// 1. Structural checks.
	if m.SourceSchemaID == "" || m.TargetSchemaID == "" {
		add(-1, SeverityError, "mapping must reference both a source and a target schema")
	}
	if len(m.Rules) == 0 && m.Expression == "" {
		add(-1, SeverityError, "mapping has no rules and no expression; every target record would be empty")
	}
	if m.Cardinality != "" && !validCardinalities[m.Cardinality] {
		add(-1, SeverityError, "unknown cardinality %q", m.Cardinality)
	}

	targetHits := map[string]bool{}
	sourceHits := map[string]bool{}
	seenTargets := map[string]bool{}

	for _, rule := range m.Rules {
		if rule.TargetPath == "" {
			add(rule.Sequence, SeverityError, "rule has empty target path")
			continue
		}

		// 4. Uniqueness: duplicate target_field is an error, not a warning
		// (spec 3: "every target_field at most once across a Mapping's
		// rules; duplicates are validation errors").
		if seenTargets[rule.TargetPath] {
			add(rule.Sequence, SeverityError, "target path %q is written by more than one rule", rule.TargetPath)
		}
		seenTargets[rule.TargetPath] = true
		targetHits[rule.TargetPath] = true

		// 2. Reference checks.
		srcField, srcOK := registry.FieldByPath(source, stripJSONPath(rule.SourcePath))
		tgtField, tgtOK := registry.FieldByPath(target, rule.TargetPath)

		if rule.SourcePath != "" {
			if !srcOK && !isJSONPath(rule.SourcePath) {
				add(rule.Sequence, SeverityError, "source path %q not found in source schema", rule.SourcePath)
			} else {
				sourceHits[rule.SourcePath] = true
			}
		}
		for _, extra := range rule.SourceFields {
			if _, ok := registry.FieldByPath(source, stripJSONPath(extra)); ok {
				sourceHits[extra] = true
			} else if !isJSONPath(extra) {
				add(rule.Sequence, SeverityError, "source path %q not found in source schema", extra)
			}
		}
		if !tgtOK {
			add(rule.Sequence, SeverityError, "target path %q not found in target schema", rule.TargetPath)
		}

		// 5. Kind-specific checks.
		v.validateKind(rule, add)

		// 6. Type compatibility, for kinds where the source type flows
		// straight through without an intervening expression.
		if srcOK && tgtOK && (rule.Kind == domain.RuleDirect || rule.Kind == "") {
			if !v.registry.IsCompatible(srcField.Type, tgtField.Type) {
				add(rule.Sequence, SeverityError,
					"source type %s is not compatible with target type %s without a transform",
					srcField.Type, tgtField.Type)
			} else if registry.IsLossy(srcField.Type, tgtField.Type) {
				add(rule.Sequence, SeverityWarning,
					"direct mapping from %s to %s may lose precision", srcField.Type, tgtField.Type)
				report.Suggestions = append(report.Suggestions, Suggestion{
					Kind:   "lossy_conversion",
					Field:  rule.TargetPath,
					Detail: fmt.Sprintf("%s -> %s narrows representable range", srcField.Type, tgtField.Type),
				})
			}
		}

		if rule.Predicate != "" {
			if _, err := goja.Compile("predicate.js", rule.Predicate, true); err != nil {
				add(rule.Sequence, SeverityError, "invalid predicate syntax: %v", err)
			}
		}
	}

	// 7. Whole-mapping expression.
	if m.Expression != "" {
		if _, err := goja.Compile("expression.js", m.Expression, true); err != nil {
			add(-1, SeverityError, "invalid mapping expression syntax: %v", err)
		}
	}

	// 3. Required-field closure: every non-nullable leaf target field must be
	// the target path of at least one rule; rule kinds, predicates and
	// defaults are not considered.
	var requiredTotal, requiredHit int
	var walk func(fields []domain.SchemaField)
	walk = func(fields []domain.SchemaField) {
		for _, f := range fields {
			if !f.Nullable && len(f.Children) == 0 {
				requiredTotal++
				if targetHits[f.Path] {
					requiredHit++
				} else {
					add(-1, SeverityError, "required target field %q is not reached by any rule", f.Path)
					report.Suggestions = append(report.Suggestions, suggestSource(v.registry, source, target, f.Path))
				}
			}
			walk(f.Children)
		}
	}
	walk(target.Fields)

	// Coverage metrics.
	var sourceTotal, targetTotal int
	var countLeaves func(fields []domain.SchemaField) int
	countLeaves = func(fields []domain.SchemaField) int {
		n := 0
		for _, f := range fields {
			if len(f.Children) == 0 {
				n++
			}
			n += countLeaves(f.Children)
		}
		return n
	}
	sourceTotal = countLeaves(source.Fields)
	targetTotal = countLeaves(target.Fields)
	report.Coverage = Coverage{
		SourceFieldPct:   pct(len(sourceHits), sourceTotal),
		TargetFieldPct:   pct(len(targetHits), targetTotal),
		RequiredFieldPct: pct(requiredHit, requiredTotal),
	}

	// Unused source columns, capped at 5 (spec 4.F "Suggestions").
	unused := 0
	for _, f := range source.Fields {
		if len(f.Children) > 0 {
			continue
		}
		if sourceHits[f.Path] {
			continue
		}
		if unused >= 5 {
			break
		}
		report.Suggestions = append(report.Suggestions, Suggestion{
			Kind:   "unused_source",
			Field:  f.Path,
			Detail: "source column is never read by this mapping",
		})
		unused++
	}

	return report
}

// validateKind runs the kind-specific structural checks spec 4.F requires:
// split needs a delimiter and a non-negative index, lookup needs a lookup
// table object, a formula must compile with goja.Compile (predicates are
// compiled by the caller), and an unknown transform_function is an error.
func (v *Validator) validateKind(rule domain.MappingRule, add func(seq int, sev Severity, format string, args ...any)) {
	switch rule.Kind {
	case domain.RuleSplit:
		delim, _ := rule.Params["delimiter"].(string)
		if delim == "" {
			add(rule.Sequence, SeverityError, "split rule requires a non-empty delimiter")
		}
		idx, ok := rule.Params["index"].(int)
		if !ok {
			if f, okf := rule.Params["index"].(float64); okf {
				idx, ok = int(f), true
			}
		}
		if !ok || idx < 0 {
			add(rule.Sequence, SeverityError, "split rule requires a non-negative integer index")
		}
	case domain.RuleLookup:
		table, _ := rule.Params["lookup_table"].(map[string]any)
		if table == nil {
			add(rule.Sequence, SeverityError, "lookup rule requires a lookup_table object parameter")
		}
	case domain.RuleFormula:
		formula, _ := rule.Params["formula"].(string)
		if formula == "" {
			add(rule.Sequence, SeverityError, "formula rule requires a formula parameter")
		} else if _, err := goja.Compile("formula.js", formula, true); err != nil {
			add(rule.Sequence, SeverityError, "invalid formula syntax: %v", err)
		}
	case domain.RuleConditional:
		if rule.Predicate == "" {
			add(rule.Sequence, SeverityError, "conditional rule requires a predicate")
		}
	case domain.RuleConcat:
		if len(rule.SourceFields) == 0 && rule.SourcePath == "" {
			add(rule.Sequence, SeverityError, "concat rule requires at least one source field")
		}
	case domain.RuleTransform:
		if rule.Transform != "" {
			if _, err := transform.ParsePipeline(rule.Transform); err != nil {
				add(rule.Sequence, SeverityError, "invalid transform pipeline: %v", err)
			}
		}
	}
}

// suggestSource proposes the highest-similarity unmapped source column for
// an unreached required target field (spec 4.F "Suggestions").
func suggestSource(reg *registry.Registry, source, target domain.Schema, targetPath string) Suggestion {
	candidates := reg.SimilarFields(source, targetPath)
	if len(candidates) == 0 {
		return Suggestion{Kind: "unmapped_required", Field: targetPath, Detail: "no similarly named source column found"}
	}
	return Suggestion{
		Kind:   "unmapped_required",
		Field:  targetPath,
		Detail: fmt.Sprintf("consider mapping from source column %q", candidates[0].Path),
	}
}

func pct(hit, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(hit) / float64(total)
}

func isJSONPath(path string) bool {
	return len(path) > 0 && path[0] == '$'
}

func stripJSONPath(path string) string {
	if isJSONPath(path) {
		return ""
	}
	return path
}
