package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/riahunter/internal/index"
	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

// memSource is an in-memory EntitySource.
type memSource struct {
	entities   map[int64]*types.Entity
	narratives map[int64]*types.Narrative
}

func newMemSource() *memSource {
	return &memSource{entities: map[int64]*types.Entity{}, narratives: map[int64]*types.Narrative{}}
}

func (m *memSource) GetEntities(ctx context.Context, ids []int64) (map[int64]*types.Entity, error) {
	out := make(map[int64]*types.Entity)
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (m *memSource) GetNarratives(ctx context.Context, ids []int64) (map[int64]*types.Narrative, error) {
	out := make(map[int64]*types.Narrative)
	for _, id := range ids {
		if n, ok := m.narratives[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// stubVectors returns canned matches.
type stubVectors struct {
	matches []storage.Match
	err     error
	gotEf   int
}

func (s *stubVectors) Upsert(ctx context.Context, id int64, v types.EmbeddingVector) error { return nil }
func (s *stubVectors) Remove(ctx context.Context, id int64) error                          { return nil }
func (s *stubVectors) Search(ctx context.Context, q types.EmbeddingVector, k, ef int) ([]storage.Match, error) {
	s.gotEf = ef
	return s.matches, s.err
}

// stubLexical returns canned matches per field.
type stubLexical struct {
	byField map[storage.Field][]storage.Match
	errs    map[storage.Field]error
}

func (s *stubLexical) Similarity(a, b string) float64 { return index.Similarity(a, b) }
func (s *stubLexical) Search(ctx context.Context, q string, f storage.Field, th float64) ([]storage.Match, error) {
	if err := s.errs[f]; err != nil {
		return nil, err
	}
	return s.byField[f], nil
}

func aum(v float64) *float64 { return &v }

func newEngine(t *testing.T, src EntitySource, v storage.VectorIndex, l storage.LexicalIndex) *Engine {
	t.Helper()
	e, err := New(src, v, l, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return e
}

func ids(items []types.ScoredEntity) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.Entity.ID
	}
	return out
}

var queryVec = types.EmbeddingVector{1, 0, 0, 0}

func TestQuery_FusionArithmetic(t *testing.T) {
	src := newMemSource()
	src.entities[1] = &types.Entity{ID: 1, DisplayName: "Both"}
	src.entities[2] = &types.Entity{ID: 2, DisplayName: "Vector only"}
	src.entities[3] = &types.Entity{ID: 3, DisplayName: "Lexical only"}

	vectors := &stubVectors{matches: []storage.Match{{ID: 1, Score: 0.7}, {ID: 2, Score: 0.75}, {ID: 1, Score: 0.6}}}
	lexical := &stubLexical{byField: map[storage.Field][]storage.Match{
		storage.FieldNarrative: {{ID: 1, Score: 0.25}, {ID: 3, Score: 0.5}},
		storage.FieldName:      {{ID: 1, Score: 0.375}},
	}}

	res, err := newEngine(t, src, vectors, lexical).Query(context.Background(), "query", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	assert.Empty(t, res.Degraded)

	both := res.Items[0]
	assert.Equal(t, int64(1), both.Entity.ID)
	assert.Equal(t, 0.7, both.VectorSimilarity, "duplicates keep the max, never the sum")
	assert.Equal(t, 0.375, both.LexicalScore, "best of narrative and name")
	assert.InDelta(t, 0.7+0.8*0.375, both.Score, 1e-12)
	assert.GreaterOrEqual(t, both.Score, both.VectorSimilarity)
	assert.GreaterOrEqual(t, both.Score, both.LexicalScore)

	assert.Equal(t, int64(2), res.Items[1].Entity.ID)
	assert.Equal(t, 0.75, res.Items[1].Score)
	assert.Equal(t, int64(3), res.Items[2].Entity.ID)
	assert.InDelta(t, 0.4, res.Items[2].Score, 1e-12)

	assert.Equal(t, 100, vectors.gotEf, "engine raises ef_search above the index default")
}

func TestQuery_Thresholds(t *testing.T) {
	src := newMemSource()
	src.entities[1] = &types.Entity{ID: 1, DisplayName: "A"}
	src.entities[2] = &types.Entity{ID: 2, DisplayName: "B"}

	vectors := &stubVectors{matches: []storage.Match{{ID: 1, Score: 0.49}}}
	lexical := &stubLexical{byField: map[storage.Field][]storage.Match{
		storage.FieldNarrative: {{ID: 2, Score: 0.09}},
	}}

	res, err := newEngine(t, src, vectors, lexical).Query(context.Background(), "q", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestQuery_TieBreakByID(t *testing.T) {
	src := newMemSource()
	for _, id := range []int64{9, 3, 5} {
		src.entities[id] = &types.Entity{ID: id, DisplayName: "Same"}
	}
	vectors := &stubVectors{matches: []storage.Match{{ID: 9, Score: 0.8}, {ID: 3, Score: 0.8}, {ID: 5, Score: 0.8}}}

	res, err := newEngine(t, src, vectors, &stubLexical{}).Query(context.Background(), "", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 9}, ids(res.Items))
}

func TestQuery_VectorOnlyWhenTextEmpty(t *testing.T) {
	src := newMemSource()
	src.entities[1] = &types.Entity{ID: 1, DisplayName: "A"}
	lexical := &stubLexical{errs: map[storage.Field]error{
		storage.FieldNarrative: errors.New("must not be called"),
		storage.FieldName:      errors.New("must not be called"),
	}}

	res, err := newEngine(t, src, &stubVectors{matches: []storage.Match{{ID: 1, Score: 0.9}}}, lexical).
		Query(context.Background(), "   ", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(res.Items))
	assert.Empty(t, res.Degraded)
}

func TestQuery_DegradesWhenVectorIndexUnavailable(t *testing.T) {
	src := newMemSource()
	src.entities[1] = &types.Entity{ID: 1, DisplayName: "A"}
	vectors := &stubVectors{err: storage.ErrIndexUnavailable}
	lexical := &stubLexical{byField: map[storage.Field][]storage.Match{
		storage.FieldNarrative: {{ID: 1, Score: 0.5}},
	}}

	res, err := newEngine(t, src, vectors, lexical).Query(context.Background(), "q", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ComponentVector}, res.Degraded)
	assert.Equal(t, []int64{1}, ids(res.Items))
	assert.InDelta(t, 0.4, res.Items[0].Score, 1e-12)
}

func TestQuery_DegradesWhenLexicalIndexUnavailable(t *testing.T) {
	src := newMemSource()
	src.entities[1] = &types.Entity{ID: 1, DisplayName: "A"}
	lexical := &stubLexical{errs: map[storage.Field]error{
		storage.FieldNarrative: storage.ErrIndexUnavailable,
		storage.FieldName:      storage.ErrIndexUnavailable,
	}}

	res, err := newEngine(t, src, &stubVectors{matches: []storage.Match{{ID: 1, Score: 0.9}}}, lexical).
		Query(context.Background(), "q", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ComponentLexical}, res.Degraded)
	assert.Equal(t, []int64{1}, ids(res.Items))
}

func TestQuery_BothIndexesFailing(t *testing.T) {
	lexical := &stubLexical{errs: map[storage.Field]error{
		storage.FieldNarrative: storage.ErrIndexUnavailable,
		storage.FieldName:      storage.ErrIndexUnavailable,
	}}
	_, err := newEngine(t, newMemSource(), &stubVectors{err: storage.ErrIndexUnavailable}, lexical).
		Query(context.Background(), "q", queryVec, types.QueryFilter{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrIndexUnavailable)
}

func TestQuery_Validation(t *testing.T) {
	e := newEngine(t, newMemSource(), &stubVectors{}, &stubLexical{})
	neg := -1
	tests := []struct {
		name   string
		text   string
		vec    types.EmbeddingVector
		filter types.QueryFilter
		limit  int
		want   string
	}{
		{"negative min assets", "q", queryVec, types.QueryFilter{MinAssets: aum(-5)}, 10, "min_assets"},
		{"negative min activity", "q", queryVec, types.QueryFilter{MinActivity: &neg}, 10, "min_activity"},
		{"bad region", "q", queryVec, types.QueryFilter{Region: "M0"}, 10, "region"},
		{"negative limit", "q", queryVec, types.QueryFilter{}, -1, "limit"},
		{"nothing to search", "", nil, types.QueryFilter{}, 10, "query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Query(context.Background(), tt.text, tt.vec, tt.filter, tt.limit)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.want, ve.Filter)
		})
	}
}

// The scenarios below run against the real in-memory indexes.

type fixture struct {
	src     *memSource
	vectors *index.HNSW
	lexical *index.Trigram
}

func newFixture() *fixture {
	return &fixture{
		src:     newMemSource(),
		vectors: index.NewHNSW(4, index.DefaultHNSWConfig()),
		lexical: index.NewTrigram(),
	}
}

func (f *fixture) add(t *testing.T, e *types.Entity, text string, vec types.EmbeddingVector) {
	t.Helper()
	f.src.entities[e.ID] = e
	f.src.narratives[e.ID] = &types.Narrative{EntityID: e.ID, Text: text}
	f.lexical.IndexText(e.ID, storage.FieldName, e.DisplayName)
	f.lexical.IndexText(e.ID, storage.FieldNarrative, text)
	require.NoError(t, f.vectors.Upsert(context.Background(), e.ID, vec))
}

func (f *fixture) engine(t *testing.T) *Engine {
	return newEngine(t, f.src, f.vectors, f.lexical)
}

func TestQuery_RegionAndMinAssetsScenario(t *testing.T) {
	f := newFixture()
	text := "Wealth manager focused on retirement planning for families"
	vec := types.EmbeddingVector{1, 0.1, 0, 0}
	f.add(t, &types.Entity{ID: 1, DisplayName: "A Advisors", Region: "MO", AUM: aum(2e9)}, text, vec)
	f.add(t, &types.Entity{ID: 2, DisplayName: "B Advisors", Region: "MO", AUM: aum(5e8)}, text, vec)
	f.add(t, &types.Entity{ID: 3, DisplayName: "C Advisors", Region: "CA", AUM: aum(3e9)}, text, vec)

	res, err := f.engine(t).Query(context.Background(), "retirement planning", queryVec,
		types.QueryFilter{Region: "mo", MinAssets: aum(1e9)}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(res.Items))
	assert.NotEmpty(t, res.Items[0].Excerpt)
	assert.Greater(t, res.Items[0].VectorSimilarity, 0.5)
	assert.Greater(t, res.Items[0].LexicalScore, 0.1)
}

func TestQuery_MinAssetsCapsResults(t *testing.T) {
	f := newFixture()
	for id := int64(1); id <= 6; id++ {
		assets := 5e8
		if id%2 == 0 {
			assets = 1e9 + float64(id)
		}
		f.add(t, &types.Entity{ID: id, DisplayName: "Firm", Region: "NY", AUM: aum(assets)},
			"private equity fund of funds", types.EmbeddingVector{1, float32(id) / 100, 0, 0})
	}
	f.add(t, &types.Entity{ID: 7, DisplayName: "Unknown AUM"}, "private equity", types.EmbeddingVector{1, 0, 0, 0})

	res, err := f.engine(t).Query(context.Background(), "private equity", queryVec,
		types.QueryFilter{MinAssets: aum(1e9)}, 50)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Items), 3)
	assert.ElementsMatch(t, []int64{2, 4, 6}, ids(res.Items))
}

func TestQuery_FiltersRemovingEverythingIsEmpty(t *testing.T) {
	f := newFixture()
	f.add(t, &types.Entity{ID: 1, DisplayName: "A", Region: "MO"}, "bonds", queryVec)

	res, err := f.engine(t).Query(context.Background(), "bonds", queryVec, types.QueryFilter{Region: "TX"}, 10)
	require.NoError(t, err)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
}

func TestQuery_MinActivity(t *testing.T) {
	f := newFixture()
	f.add(t, &types.Entity{ID: 1, DisplayName: "Busy", PrivateFundCount: 12}, "hedge funds", queryVec)
	f.add(t, &types.Entity{ID: 2, DisplayName: "Quiet", PrivateFundCount: 1}, "hedge funds", queryVec)

	minFunds := 5
	res, err := f.engine(t).Query(context.Background(), "hedge funds", queryVec, types.QueryFilter{MinActivity: &minFunds}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(res.Items))
}

func TestQuery_LimitTruncates(t *testing.T) {
	f := newFixture()
	for id := int64(1); id <= 5; id++ {
		f.add(t, &types.Entity{ID: id, DisplayName: "Firm"}, "venture capital", types.EmbeddingVector{1, float32(id) / 10, 0, 0})
	}
	res, err := f.engine(t).Query(context.Background(), "venture capital", queryVec, types.QueryFilter{}, 2)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, []int64{1, 2}, ids(res.Items))
}

func TestQuery_DeletedEntityIsNotReturned(t *testing.T) {
	f := newFixture()
	f.add(t, &types.Entity{ID: 1, DisplayName: "Gone"}, "municipal bonds", queryVec)
	f.add(t, &types.Entity{ID: 2, DisplayName: "Kept"}, "municipal bonds", types.EmbeddingVector{1, 0.2, 0, 0})

	require.NoError(t, f.vectors.Remove(context.Background(), 1))
	f.lexical.RemoveText(1)
	delete(f.src.entities, 1)

	res, err := f.engine(t).Query(context.Background(), "municipal bonds", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(res.Items))
}

// rankedVectors honours k over a fixed best-first ranking.
type rankedVectors struct {
	ranked []storage.Match
	ks     []int
}

func (r *rankedVectors) Upsert(ctx context.Context, id int64, v types.EmbeddingVector) error { return nil }
func (r *rankedVectors) Remove(ctx context.Context, id int64) error                          { return nil }
func (r *rankedVectors) Search(ctx context.Context, q types.EmbeddingVector, k, ef int) ([]storage.Match, error) {
	r.ks = append(r.ks, k)
	return r.ranked[:min(k, len(r.ranked))], nil
}

// crowdedRegion ranks 250 CA firms above 50 MO firms, every score above
// the vector threshold.
func crowdedRegion() (*memSource, *rankedVectors) {
	src := newMemSource()
	vec := &rankedVectors{}
	for id := int64(1); id <= 300; id++ {
		region := "CA"
		if id > 250 {
			region = "MO"
		}
		src.entities[id] = &types.Entity{ID: id, DisplayName: "Firm", Region: region}
		vec.ranked = append(vec.ranked, storage.Match{ID: id, Score: 0.99 - float64(id)/1000})
	}
	return src, vec
}

func TestQuery_FilterWidensVectorSearch(t *testing.T) {
	src, vec := crowdedRegion()
	e := newEngine(t, src, vec, &stubLexical{})

	res, err := e.Query(context.Background(), "", queryVec, types.QueryFilter{Region: "MO"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{251, 252, 253, 254, 255, 256, 257, 258, 259, 260}, ids(res.Items))
	assert.Equal(t, []int{200, 800}, vec.ks)
}

func TestQuery_UnfilteredSearchDoesNotWiden(t *testing.T) {
	src, vec := crowdedRegion()
	e := newEngine(t, src, vec, &stubLexical{})

	res, err := e.Query(context.Background(), "", queryVec, types.QueryFilter{}, 10)
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
	assert.Equal(t, []int{200}, vec.ks)
}

func TestQuery_FilterWideningStopsAtCap(t *testing.T) {
	src, vec := crowdedRegion()
	cfg := DefaultConfig()
	cfg.MaxCandidatePool = 220
	e, err := New(src, vec, &stubLexical{}, cfg, zerolog.Nop())
	require.NoError(t, err)

	res, err := e.Query(context.Background(), "", queryVec, types.QueryFilter{Region: "MO"}, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, []int{200, 220}, vec.ks)
}

func TestQuery_FilteredRegionBehindCrowdedNeighbours(t *testing.T) {
	f := newFixture()
	for id := int64(1); id <= 300; id++ {
		region, y := "CA", float32(id)/1000
		if id > 250 {
			region, y = "MO", 0.3+float32(id-250)/1000
		}
		f.add(t, &types.Entity{ID: id, DisplayName: "Firm", Region: region}, "", types.EmbeddingVector{1, y, 0, 0})
	}

	res, err := f.engine(t).Query(context.Background(), "", queryVec, types.QueryFilter{Region: "MO"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{251, 252, 253, 254, 255}, ids(res.Items))
}
