package validator

import (
	"context"
	"testing"

	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/registry"
)

type fakeStore struct {
	schemas map[string]domain.Schema
}

func (s *fakeStore) CreateSchema(ctx context.Context, sc domain.Schema) (domain.Schema, error) {
	s.schemas[sc.ID] = sc
	return sc, nil
}

func (s *fakeStore) GetSchema(ctx context.Context, id string) (domain.Schema, error) {
	return s.schemas[id], nil
}

func (s *fakeStore) ListSchemasForSystem(ctx context.Context, systemID string) ([]domain.Schema, error) {
	var out []domain.Schema
	for _, sc := range s.schemas {
		if sc.SystemID == systemID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func newTestRegistry() *registry.Registry {
	return registry.New(&fakeStore{schemas: map[string]domain.Schema{}})
}

// testSchemas marks every target field nullable so that most tests in this
// file can exercise a single concern without also tripping the required-
// field-closure check; TestValidateRequiredFieldClosure below exercises that
// check on a schema with a non-nullable target field.
func testSchemas() (domain.Schema, domain.Schema) {
	source := domain.Schema{
		ID: "src", SystemID: "sys-a",
		Fields: []domain.SchemaField{
			{Path: "name", Type: domain.TypeString, Nullable: true},
			{Path: "age", Type: domain.TypeInteger, Nullable: true},
		},
	}
	target := domain.Schema{
		ID: "tgt", SystemID: "sys-b",
		Fields: []domain.SchemaField{
			{Path: "full_name", Type: domain.TypeString, Nullable: true},
			{Path: "years", Type: domain.TypeString, Nullable: true},
		},
	}
	return source, target
}

func TestValidateCleanMapping(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect},
			{Sequence: 2, SourcePath: "age", TargetPath: "years", Kind: domain.RuleTransform, Transform: "toString"},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if !report.Valid() {
		t.Fatalf("Validate() report = %+v, want valid", report.Findings)
	}
	if report.Coverage.SourceFieldPct != 100 || report.Coverage.TargetFieldPct != 100 {
		t.Fatalf("Validate() coverage = %+v, want 100%% on both axes", report.Coverage)
	}
}

func TestValidateMissingSourcePath(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "does_not_exist", TargetPath: "full_name", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag a missing source path")
	}
}

func TestValidateMissingTargetPath(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "does_not_exist", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag a missing target path")
	}
}

func TestValidateIncompatibleTypesWithoutTransform(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect},
		},
	}
	source.Fields[0].Type = domain.TypeObject
	target.Fields[0].Type = domain.TypeInteger

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag an incompatible type pair without a transform")
	}
}

func TestValidateLossyNumericNarrowingWarns(t *testing.T) {
	source, target := testSchemas()
	source.Fields[1].Type = domain.TypeDouble
	target.Fields[1].Type = domain.TypeInteger
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "age", TargetPath: "years", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if !report.Valid() {
		t.Fatalf("Validate() report = %+v, a lossy narrowing should warn not error", report.Findings)
	}
	foundWarning := false
	for _, f := range report.Findings {
		if f.Severity == SeverityWarning {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Fatalf("Validate() should warn about the lossy double->integer narrowing")
	}
}

func TestValidateInvalidTransformPipeline(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleTransform, Transform: "truncate(3"},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag an invalid transform pipeline")
	}
}

func TestValidateInvalidPredicateSyntax(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect, Predicate: "function( {"},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag invalid predicate syntax")
	}
}

func TestValidateInvalidExpressionSyntax(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{Expression: "function( {"}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag invalid mapping expression syntax")
	}
}

func TestValidateEmptyMappingErrors(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() of a mapping with no rules and no expression should error")
	}
}

func TestValidateDuplicateTargetPathErrors(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect},
			{Sequence: 2, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should error on a duplicate target path, not just warn")
	}
}

func TestValidateEmptyTargetPathErrors(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag an empty target path")
	}
}

func TestValidateRequiredFieldClosure(t *testing.T) {
	source, target := testSchemas()
	target.Fields[1].Nullable = false // "years" is now required and unmapped
	m := domain.Mapping{
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should error when a required target field is never reached")
	}
	foundSuggestion := false
	for _, s := range report.Suggestions {
		if s.Kind == "unmapped_required" && s.Field == "years" {
			foundSuggestion = true
		}
	}
	if !foundSuggestion {
		t.Fatalf("Validate() suggestions = %+v, want an unmapped_required suggestion for years", report.Suggestions)
	}
}

func TestValidateUnknownCardinalityErrors(t *testing.T) {
	source, target := testSchemas()
	m := domain.Mapping{
		Cardinality: "3:3",
		Rules: []domain.MappingRule{
			{Sequence: 1, SourcePath: "name", TargetPath: "full_name", Kind: domain.RuleDirect},
		},
	}

	v := New(newTestRegistry(), nil)
	report := v.Validate(m, source, target)
	if report.Valid() {
		t.Fatalf("Validate() should flag an unrecognized cardinality")
	}
}
