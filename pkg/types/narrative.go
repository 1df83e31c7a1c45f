package types

import (
	"math"
	"strings"
	"time"
)

// EmbeddingVector is a fixed-length float vector produced by the embedding
// generator from narrative text. It is always replaced wholesale.
type EmbeddingVector []float32

// Dim returns the number of components.
func (v EmbeddingVector) Dim() int {
	return len(v)
}

// Clone returns a copy that does not share storage with v.
func (v EmbeddingVector) Clone() EmbeddingVector {
	if v == nil {
		return nil
	}
	out := make(EmbeddingVector, len(v))
	copy(out, v)
	return out
}

// HasDirection reports whether v has a finite, non-zero norm. Cosine
// similarity is undefined for anything else.
func (v EmbeddingVector) HasDirection() bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return sum > 0 && !math.IsInf(sum, 0) && !math.IsNaN(sum)
}

// Normalized returns a unit-length copy of v. A zero vector stays zero.
func (v EmbeddingVector) Normalized() EmbeddingVector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make(EmbeddingVector, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Narrative is the free-text description of one entity's business. It is the
// unit of embedding and of lexical search. At most one narrative exists per
// entity ID.
type Narrative struct {
	EntityID int64  `json:"entity_id"`
	Text     string `json:"narrative_text"`

	// TextHash is the sha256 of Text, maintained by the store.
	TextHash string `json:"text_hash,omitempty"`

	// Embedding is nil until the generator has processed this narrative.
	Embedding      EmbeddingVector `json:"embedding,omitempty"`
	EmbeddingModel string          `json:"embedding_model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBlank reports whether the narrative has no embeddable text.
func (n *Narrative) IsBlank() bool {
	return strings.TrimSpace(n.Text) == ""
}

// HasEmbedding reports whether an embedding has been stored.
func (n *Narrative) HasEmbedding() bool {
	return len(n.Embedding) > 0
}

// Excerpt returns at most max runes of the narrative, cut at a word boundary
// when possible.
func (n *Narrative) Excerpt(max int) string {
	text := strings.TrimSpace(n.Text)
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
