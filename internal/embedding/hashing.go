package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingProvider is a deterministic local embedder based on feature hashing
// of words and character trigrams. It needs no network and always returns the
// same vector for the same text, which makes it the provider for tests and
// offline demos. Texts sharing vocabulary land close in cosine space.
type HashingProvider struct {
	width int
}

// NewHashingProvider returns a provider emitting vectors of the given width.
func NewHashingProvider(width int) *HashingProvider {
	if width <= 0 {
		width = 384
	}
	return &HashingProvider{width: width}
}

// Embed implements Provider.
func (p *HashingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *HashingProvider) embedOne(text string) []float32 {
	vec := make([]float64, p.width)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		p.add(vec, "w:"+w, 1.0)
		padded := []rune(" " + w + " ")
		for j := 0; j+3 <= len(padded); j++ {
			p.add(vec, "t:"+string(padded[j:j+3]), 0.5)
		}
	}

	var sum float64
	for _, x := range vec {
		sum += x * x
	}
	out := make([]float32, p.width)
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range vec {
		out[i] = float32(x * inv)
	}
	return out
}

// add hashes feature into a bucket; a second hash bit picks the sign so
// collisions cancel out on average.
func (p *HashingProvider) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(p.width))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Name implements Provider.
func (p *HashingProvider) Name() string { return ProviderHashing }

// Model implements Provider.
func (p *HashingProvider) Model() string { return "hashing-v1" }
