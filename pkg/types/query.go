package types

// QueryFilter narrows hybrid search results. It is supplied per query and
// never persisted. Nil pointers mean "no constraint".
type QueryFilter struct {
	// Region restricts results to one state / region code (case-insensitive).
	Region string `json:"region,omitempty"`

	// MinAssets is the minimum AUM in whole dollars. Entities with unknown
	// AUM never satisfy a minimum.
	MinAssets *float64 `json:"min_assets,omitempty"`

	// MinActivity is the minimum activity score (private fund count).
	MinActivity *int `json:"min_activity,omitempty"`
}

// IsZero reports whether the filter has no constraints.
func (f QueryFilter) IsZero() bool {
	return f.Region == "" && f.MinAssets == nil && f.MinActivity == nil
}

// ScoredEntity is one ranked hybrid search hit. Both similarity components are
// exposed so callers can explain the ranking.
type ScoredEntity struct {
	Entity  Entity `json:"entity"`
	Excerpt string `json:"excerpt,omitempty"`

	// VectorSimilarity is the cosine similarity of the narrative embedding to
	// the query embedding, 0 when the entity was not a vector candidate.
	VectorSimilarity float64 `json:"vector_similarity"`

	// LexicalScore is the best trigram score over narrative text and display
	// name, 0 when the entity was not a lexical candidate.
	LexicalScore float64 `json:"lexical_score"`

	// Score is VectorSimilarity + LexicalWeight*LexicalScore.
	Score float64 `json:"score"`
}
