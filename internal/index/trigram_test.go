package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/riahunter/internal/storage"
)

func TestTrigrams(t *testing.T) {
	got := Trigrams("Cat")
	assert.Len(t, got, 4)
	for _, tg := range []string{"  c", " ca", "cat", "at "} {
		assert.Contains(t, got, tg)
	}

	assert.Empty(t, Trigrams("  --  "))
}

// Values below match PostgreSQL's pg_trgm documentation.
func TestSimilarity_MatchesPgTrgm(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity("word", "WORD"), 1e-9)
	assert.InDelta(t, 4.0/11.0, Similarity("word", "two words"), 1e-9)
	assert.InDelta(t, 0.8, WordSimilarity("word", "two words"), 1e-9)
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.Equal(t, 0.0, WordSimilarity("", "anything"))
}

func TestWordSimilarity_FindsNameInsideLongText(t *testing.T) {
	text := "Harbor Point Capital is a registered investment adviser based in St. Louis, Missouri " +
		"providing portfolio management to high net worth individuals and pension plans."

	assert.InDelta(t, 1.0, WordSimilarity("Harbor Point Capital", text), 1e-9)
	assert.Less(t, Similarity("Harbor Point Capital", text), 0.3)
	assert.Less(t, WordSimilarity("quantum cryptography", text), 0.3)
}

func TestTrigram_Search(t *testing.T) {
	idx := NewTrigram()
	ctx := context.Background()

	idx.IndexText(1, storage.FieldName, "Harbor Point Capital")
	idx.IndexText(2, storage.FieldName, "Harbour Capital Partners")
	idx.IndexText(3, storage.FieldName, "Quantum Wealth")
	idx.IndexText(1, storage.FieldNarrative, "Wealth management for families in St. Louis")

	matches, err := idx.Search(ctx, "harbor capital", storage.FieldName, 0.1)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].ID)
	assert.Equal(t, int64(2), matches[1].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	matches, err = idx.Search(ctx, "wealth management", storage.FieldNarrative, 0.1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestTrigram_SearchThresholdAndTieBreak(t *testing.T) {
	idx := NewTrigram()
	ctx := context.Background()

	idx.IndexText(9, storage.FieldName, "Alpha Advisors")
	idx.IndexText(4, storage.FieldName, "Alpha Advisors")
	idx.IndexText(5, storage.FieldName, "Zeta")

	matches, err := idx.Search(ctx, "alpha advisors", storage.FieldName, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, []int64{4, 9}, []int64{matches[0].ID, matches[1].ID}, "equal scores order by ID")

	matches, err = idx.Search(ctx, "alpha advisors", storage.FieldName, 1.01)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTrigram_ReindexAndRemove(t *testing.T) {
	idx := NewTrigram()
	ctx := context.Background()

	idx.IndexText(1, storage.FieldNarrative, "private equity fund manager")
	assert.Equal(t, 1, idx.Len())

	idx.IndexText(1, storage.FieldNarrative, "municipal bond specialist")
	matches, err := idx.Search(ctx, "private equity", storage.FieldNarrative, 0.1)
	require.NoError(t, err)
	assert.Empty(t, matches, "old text must no longer match")

	idx.IndexText(1, storage.FieldName, "Bond House")
	idx.RemoveText(1)
	assert.Equal(t, 0, idx.Len())
	matches, err = idx.Search(ctx, "bond", storage.FieldName, 0.1)
	require.NoError(t, err)
	assert.Empty(t, matches)

	idx.IndexText(2, storage.FieldNarrative, "   ")
	assert.Equal(t, 0, idx.Len(), "blank text is not indexed")
}

func TestTrigram_InvalidField(t *testing.T) {
	_, err := NewTrigram().Search(context.Background(), "x", storage.Field("bogus"), 0.1)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
