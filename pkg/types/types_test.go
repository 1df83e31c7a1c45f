package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSynthetic(t *testing.T) {
	assert.False(t, IsSynthetic(105958))
	assert.True(t, IsSynthetic(SyntheticIDBase))
	assert.True(t, IsSynthetic(SyntheticIDBase+42))
	assert.Equal(t, SyntheticIDBase+3, SyntheticID(3))
	assert.True(t, IsSynthetic(SyntheticID(1)))
}

func TestTextHash(t *testing.T) {
	assert.Equal(t, TextHash("municipal bonds"), TextHash("municipal bonds"))
	assert.NotEqual(t, TextHash("municipal bonds"), TextHash("municipal bond"))
	assert.Len(t, TextHash(""), 64)
}

func TestEmbeddingVector_Normalized(t *testing.T) {
	v := EmbeddingVector{3, 4}
	n := v.Normalized()
	require.Len(t, n, 2)
	assert.InDelta(t, 0.6, n[0], 1e-6)
	assert.InDelta(t, 0.8, n[1], 1e-6)
	assert.Equal(t, EmbeddingVector{3, 4}, v, "input is not modified")

	zero := EmbeddingVector{0, 0, 0}.Normalized()
	assert.Equal(t, EmbeddingVector{0, 0, 0}, zero)
}

func TestEmbeddingVector_HasDirection(t *testing.T) {
	assert.True(t, EmbeddingVector{0, 0, 0.1}.HasDirection())
	assert.False(t, EmbeddingVector{0, 0, 0}.HasDirection())
	assert.False(t, EmbeddingVector{}.HasDirection())
	assert.False(t, EmbeddingVector{float32(math.NaN()), 1}.HasDirection())
	assert.False(t, EmbeddingVector{float32(math.Inf(1)), 1}.HasDirection())
}

func TestEmbeddingVector_Clone(t *testing.T) {
	v := EmbeddingVector{1, 2, 3}
	c := v.Clone()
	c[0] = 9
	assert.Equal(t, float32(1), v[0])
	assert.Nil(t, EmbeddingVector(nil).Clone())
	assert.Equal(t, 3, c.Dim())
}

func TestNarrative_BlankAndEmbedding(t *testing.T) {
	n := &Narrative{EntityID: 1, Text: " \n\t "}
	assert.True(t, n.IsBlank())
	assert.False(t, n.HasEmbedding())

	n.Text = "Wealth management"
	n.Embedding = EmbeddingVector{1}
	assert.False(t, n.IsBlank())
	assert.True(t, n.HasEmbedding())
}

func TestNarrative_Excerpt(t *testing.T) {
	n := &Narrative{Text: "  Harbor Point manages municipal bonds for retirees  "}
	assert.Equal(t, "Harbor Point manages municipal bonds for retirees", n.Excerpt(0))
	assert.Equal(t, "Harbor Point manages municipal bonds for retirees", n.Excerpt(500))
	assert.Equal(t, "Harbor Point manages…", n.Excerpt(24))
}

func TestEntity_Accessors(t *testing.T) {
	e := &Entity{ID: 1, PrivateFundCount: 4}
	assert.Equal(t, 4, e.ActivityScore())
	assert.Zero(t, e.AUMValue())

	aum := 2.5e9
	e.AUM = &aum
	assert.Equal(t, 2.5e9, e.AUMValue())
}

func TestQueryFilter_IsZero(t *testing.T) {
	assert.True(t, QueryFilter{}.IsZero())
	assert.False(t, QueryFilter{Region: "MO"}.IsZero())

	minAssets := 0.0
	assert.False(t, QueryFilter{MinAssets: &minAssets}.IsZero(), "a zero minimum is still a constraint")
}
