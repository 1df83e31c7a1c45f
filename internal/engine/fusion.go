package engine

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/scrypster/riahunter/pkg/types"
)

// maxQueryLength bounds the free-text query in runes.
const maxQueryLength = 1000

// ValidationError reports malformed query input and names the offending
// filter.
type ValidationError struct {
	Filter string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Filter + ": " + e.Reason
}

// scored is one fused candidate.
type scored struct {
	id      int64
	vector  float64
	lexical float64
	score   float64
}

// fuse unions both candidate sets. The maps already hold the best score per
// entity for each side, so an entity found by both sides gets exactly
// vector + weight*lexical. Ties are broken by ascending ID.
func fuse(vectorHits, lexicalHits map[int64]float64, weight float64) []scored {
	byID := make(map[int64]*scored, len(vectorHits)+len(lexicalHits))
	for id, v := range vectorHits {
		byID[id] = &scored{id: id, vector: v}
	}
	for id, l := range lexicalHits {
		s, ok := byID[id]
		if !ok {
			s = &scored{id: id}
			byID[id] = s
		}
		s.lexical = l
	}

	out := make([]scored, 0, len(byID))
	for _, s := range byID {
		s.score = s.vector + weight*s.lexical
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out
}

func unionIDs(a, b map[int64]float64) []int64 {
	ids := make([]int64, 0, len(a)+len(b))
	for id := range a {
		ids = append(ids, id)
	}
	for id := range b {
		if _, dup := a[id]; !dup {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// applyFilter keeps the hits whose entity exists and satisfies filter.
func applyFilter(hits map[int64]float64, entities map[int64]*types.Entity, filter types.QueryFilter) map[int64]float64 {
	out := make(map[int64]float64, len(hits))
	for id, score := range hits {
		e, ok := entities[id]
		if !ok || !matches(e, filter) {
			continue
		}
		out[id] = score
	}
	return out
}

func matches(e *types.Entity, f types.QueryFilter) bool {
	if f.Region != "" && !strings.EqualFold(e.Region, f.Region) {
		return false
	}
	if f.MinAssets != nil {
		if e.AUM == nil || *e.AUM < *f.MinAssets {
			return false
		}
	}
	if f.MinActivity != nil && e.ActivityScore() < *f.MinActivity {
		return false
	}
	return true
}

// normalizeFilter validates filter values and canonicalises the region code.
func normalizeFilter(f types.QueryFilter) (types.QueryFilter, error) {
	f.Region = strings.ToUpper(strings.TrimSpace(f.Region))
	for _, r := range f.Region {
		if !unicode.IsLetter(r) {
			return f, &ValidationError{Filter: "region", Reason: "must be a region code such as MO"}
		}
	}
	if f.MinAssets != nil && (math.IsNaN(*f.MinAssets) || math.IsInf(*f.MinAssets, 0) || *f.MinAssets < 0) {
		return f, &ValidationError{Filter: "min_assets", Reason: "must be a non-negative amount"}
	}
	if f.MinActivity != nil && *f.MinActivity < 0 {
		return f, &ValidationError{Filter: "min_activity", Reason: "must not be negative"}
	}
	return f, nil
}

// trimQuery trims whitespace and caps the query length.
func trimQuery(text string) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxQueryLength {
		text = string(r[:maxQueryLength])
	}
	return text
}
