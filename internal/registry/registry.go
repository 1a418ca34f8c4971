// Package registry implements the Schema & Type Registry (component B):
// the universal type taxonomy, schema storage, type-compatibility checks,
// and name-similarity suggestions used to help authors wire up a Mapping.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	infracache "github.com/datacore/execution-core/infrastructure/cache"
	"github.com/datacore/execution-core/internal/domain"
)

// Store is the persistence seam the registry needs from the Persistence
// Gateway: schema CRUD, scoped to the registry's own read/write shape.
type Store interface {
	CreateSchema(ctx context.Context, s domain.Schema) (domain.Schema, error)
	GetSchema(ctx context.Context, id string) (domain.Schema, error)
	ListSchemasForSystem(ctx context.Context, systemID string) ([]domain.Schema, error)
}

// Registry resolves schemas and reasons about field-type compatibility. Its
// similarity queries are cached (IsCompatible is not), since a Mapping
// Validator run (component F) re-asks the same questions for every rule.
type Registry struct {
	store Store
	cache *infracache.Cache
	mu    sync.RWMutex
}

func New(store Store) *Registry {
	return &Registry{
		store: store,
		cache: infracache.NewCache(infracache.CacheConfig{DefaultTTL: 10 * time.Minute}),
	}
}

func (r *Registry) GetSchema(ctx context.Context, id string) (domain.Schema, error) {
	return r.store.GetSchema(ctx, id)
}

func (r *Registry) RegisterSchema(ctx context.Context, s domain.Schema) (domain.Schema, error) {
	created, err := r.store.CreateSchema(ctx, s)
	if err != nil {
		return domain.Schema{}, err
	}
	r.cache.InvalidatePattern("similar:" + s.SystemID)
	return created, nil
}

// --- Type compatibility ---

// IsCompatible reports whether a value of universal type `from` can be
// mapped into a field declared as universal type `to` without an explicit
// transform (spec 4.B):
//   - identical types are always compatible;
//   - any numeric type widens into an equal-or-wider numeric type;
//   - string and text are mutually compatible;
//   - every datetime-family type (date/time/datetime/timestamp) is mutually
//     compatible with every other;
//   - anything serializes into json, since json can represent any value.
func (r *Registry) IsCompatible(from, to domain.FieldType) bool {
	if from == to {
		return true
	}
	if to == domain.TypeJSON {
		return true
	}
	fromCat, toCat := domain.CategoryOf(from), domain.CategoryOf(to)
	switch {
	case fromCat == domain.CategoryNumeric && toCat == domain.CategoryNumeric:
		return IsWidening(from, to)
	case fromCat == domain.CategoryText && toCat == domain.CategoryText:
		return true
	case fromCat == domain.CategoryDateTime && toCat == domain.CategoryDateTime:
		return true
	default:
		return false
	}
}

// IsWidening reports whether assigning `from` into `to` is lossless, i.e.
// `to` has equal or wider numeric range than `from`. Both must be numeric.
func IsWidening(from, to domain.FieldType) bool {
	fw, ok1 := numericWidth(from)
	tw, ok2 := numericWidth(to)
	if !ok1 || !ok2 {
		return false
	}
	return tw >= fw
}

// numericWidth orders the numeric universal types narrowest-to-widest.
func numericWidth(t domain.FieldType) (int, bool) {
	order := map[domain.FieldType]int{
		domain.TypeInteger: 1,
		domain.TypeFloat:   2,
		domain.TypeLong:    3,
		domain.TypeDouble:  4,
		domain.TypeDecimal: 5,
	}
	w, ok := order[t]
	return w, ok
}

// IsLossy reports whether an otherwise-compatible from->to assignment can
// drop precision or truncate — the Mapping Validator's warning-not-error
// path (spec 4.F): narrowing within a category, or crossing from a wider
// text type (text) into a narrower one (string) with an implied max length.
func IsLossy(from, to domain.FieldType) bool {
	if from == to {
		return false
	}
	if domain.CategoryOf(from) == domain.CategoryNumeric && domain.CategoryOf(to) == domain.CategoryNumeric {
		return !IsWidening(from, to)
	}
	if from == domain.TypeText && to == domain.TypeString {
		return true
	}
	return false
}

// FieldByPath locates a field within a schema's (possibly nested) field
// tree by dotted path.
func FieldByPath(s domain.Schema, path string) (domain.SchemaField, bool) {
	parts := strings.Split(path, ".")
	fields := s.Fields
	var found domain.SchemaField
	for i, part := range parts {
		ok := false
		for _, f := range fields {
			if f.Path == part || f.Path == strings.Join(parts[:i+1], ".") {
				found = f
				fields = f.Children
				ok = true
				break
			}
		}
		if !ok {
			return domain.SchemaField{}, false
		}
	}
	return found, true
}

// --- Name similarity ---

// SimilarFields returns the target schema's fields ranked by name similarity
// to sourcePath's final path segment, most similar first, for mapping-editor
// autocomplete suggestions. Only fields scoring above 0.4 are returned.
func (r *Registry) SimilarFields(target domain.Schema, sourcePath string) []domain.SchemaField {
	cacheKey := fmt.Sprintf("similar:%s:%s:%s:%d", target.SystemID, target.ID, sourcePath, target.Version)
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached.([]domain.SchemaField)
	}

	needle := lastSegment(sourcePath)
	type scored struct {
		field domain.SchemaField
		score float64
	}
	var candidates []scored
	var walk func([]domain.SchemaField)
	walk = func(fields []domain.SchemaField) {
		for _, f := range fields {
			score := nameSimilarity(needle, lastSegment(f.Path))
			if score > 0.4 {
				candidates = append(candidates, scored{field: f, score: score})
			}
			walk(f.Children)
		}
	}
	walk(target.Fields)

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	out := make([]domain.SchemaField, len(candidates))
	for i, c := range candidates {
		out[i] = c.field
	}
	r.cache.Set(cacheKey, out, 0)
	return out
}

func lastSegment(path string) string {
	parts := strings.Split(path, ".")
	return strings.ToLower(parts[len(parts)-1])
}

// nameSimilarity scores two field names in [0,1] using normalized Levenshtein
// distance, then applies prefix/suffix/containment bonuses (spec 4.B) so
// "customer_id" scores above a same-edit-distance but structurally unrelated
// name against "customerid". No pack dependency addresses fuzzy string
// matching, so this is a small stdlib-only implementation (see DESIGN.md).
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	score := 1 - float64(dist)/float64(maxLen)

	switch {
	case strings.Contains(a, b) || strings.Contains(b, a):
		score += 0.15
	case strings.HasPrefix(a, b) || strings.HasPrefix(b, a):
		score += 0.1
	case strings.HasSuffix(a, b) || strings.HasSuffix(b, a):
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
