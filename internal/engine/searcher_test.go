package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/riahunter/internal/embedding"
	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (types.EmbeddingVector, error) {
	args := m.Called(ctx, text)
	v, _ := args.Get(0).(types.EmbeddingVector)
	return v, args.Error(1)
}

func newSearcherFixture(t *testing.T, emb QueryEmbedder, cache int) *Searcher {
	t.Helper()
	src := newMemSource()
	src.entities[1] = &types.Entity{ID: 1, DisplayName: "Harbor Point"}
	src.narratives[1] = &types.Narrative{EntityID: 1, Text: "Harbor Point manages municipal bonds"}
	vectors := &stubVectors{matches: []storage.Match{{ID: 1, Score: 0.9}}}

	s, err := NewSearcher(newEngine(t, src, vectors, &stubLexical{}), emb, SearcherOptions{CacheSize: cache, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s
}

func TestSearcher_CachesQueryEmbeddings(t *testing.T) {
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, "municipal bonds").Return(types.EmbeddingVector{1, 0, 0, 0}, nil).Once()
	s := newSearcherFixture(t, emb, 8)

	for i := 0; i < 3; i++ {
		resp, err := s.Search(context.Background(), Request{Text: "  municipal bonds ", Limit: 5})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, ids(resp.Items))
		assert.NotEmpty(t, resp.RequestID)
	}
	emb.AssertExpectations(t)
}

func TestSearcher_KeepsCallerRequestID(t *testing.T) {
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, mock.Anything).Return(types.EmbeddingVector{1, 0, 0, 0}, nil)
	s := newSearcherFixture(t, emb, 0)

	resp, err := s.Search(context.Background(), Request{ID: "req-42", Text: "bonds"})
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestSearcher_UnreachableProviderIsRetryLater(t *testing.T) {
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, mock.Anything).
		Return(nil, &embedding.ProviderError{Provider: "openai", StatusCode: 503, Transient: true, Err: errors.New("unavailable")})
	s := newSearcherFixture(t, emb, 0)

	_, err := s.Search(context.Background(), Request{Text: "bonds"})
	assert.ErrorIs(t, err, ErrRetryLater)
}

func TestSearcher_OpenCircuitIsRetryLater(t *testing.T) {
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, mock.Anything).Return(nil, embedding.ErrCircuitOpen)
	s := newSearcherFixture(t, emb, 0)

	_, err := s.Search(context.Background(), Request{Text: "bonds"})
	assert.ErrorIs(t, err, ErrRetryLater)
}

func TestSearcher_TerminalProviderError(t *testing.T) {
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, mock.Anything).
		Return(nil, &embedding.DimensionMismatchError{Got: 2, Want: 4})
	s := newSearcherFixture(t, emb, 0)

	_, err := s.Search(context.Background(), Request{Text: "bonds"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryLater)
	var dim *embedding.DimensionMismatchError
	assert.ErrorAs(t, err, &dim)
}

func TestSearcher_EmptyText(t *testing.T) {
	emb := new(mockEmbedder)
	s := newSearcherFixture(t, emb, 0)

	_, err := s.Search(context.Background(), Request{Text: "   "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "query", ve.Filter)
	emb.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestSearcher_ValidationErrorNamesFilter(t *testing.T) {
	emb := new(mockEmbedder)
	s := newSearcherFixture(t, emb, 0)

	_, err := s.Search(context.Background(), Request{Text: "bonds", Filter: types.QueryFilter{Region: "12"}})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "region", ve.Filter)

	_, err = s.Search(context.Background(), Request{Text: "bonds", Limit: -1})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "limit", ve.Filter)
	emb.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}
