// Package index provides the in-memory vector and lexical indexes used by the
// hybrid query engine.
//
// HNSW delete/update policy:
//
//   - Remove tombstones a node; neighbour lists are not rewired. Tombstoned
//     nodes are still traversed during search but never returned.
//   - The entry point is re-selected when the removed node was the entry
//     point or carried the top level.
//   - Upsert of an existing ID is Remove followed by a fresh insert.
//   - When tombstones outnumber live nodes the graph is compacted by
//     re-inserting the live nodes.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimension.
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")

	// ErrZeroVector is returned when a vector has no direction.
	ErrZeroVector = errors.New("index: zero vector")
)

// compactMinNodes is the graph size below which tombstones are left alone.
const compactMinNodes = 64

// HNSWConfig contains configuration parameters for the HNSW index.
type HNSWConfig struct {
	M               int     // Max connections per node per upper layer (default: 16); layer 0 allows 2*M
	EfConstruction  int     // Candidate list size during construction (default: 200)
	EfSearch        int     // Default candidate list size during search (default: 40)
	LevelMultiplier float64 // 1/ln(M)
	Seed            int64   // Level generator seed; fixed so rebuilds are reproducible
}

// DefaultHNSWConfig returns the construction defaults. EfSearch is
// deliberately modest; callers raise it per query.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        40,
		LevelMultiplier: 1.0 / math.Log(16.0),
		Seed:            1,
	}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	d := DefaultHNSWConfig()
	if c.M < 2 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.LevelMultiplier <= 0 {
		c.LevelMultiplier = 1.0 / math.Log(float64(c.M))
	}
	return c
}

type hnswNode struct {
	id    int64
	vec   []float32 // unit length
	level int
	links [][]uint32 // links[l] are neighbours on layer l
}

// HNSW is an in-memory hierarchical navigable small world graph over
// normalized vectors, scored by cosine similarity. It implements
// storage.VectorIndex. Searches take a read lock and run in parallel;
// writes are serialized.
type HNSW struct {
	config    HNSWConfig
	dimension int

	mu       sync.RWMutex
	nodes    []hnswNode
	deleted  []bool
	byID     map[int64]uint32
	live     int
	entry    uint32
	hasEntry bool
	maxLevel int
	rng      *rand.Rand
}

// NewHNSW creates an empty index for vectors of the given dimension.
func NewHNSW(dimension int, config HNSWConfig) *HNSW {
	config = config.withDefaults()
	return &HNSW{
		config:    config,
		dimension: dimension,
		byID:      make(map[int64]uint32),
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
}

// Dimension returns the vector width the index accepts.
func (h *HNSW) Dimension() int {
	return h.dimension
}

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// TombstoneRatio returns deleted/total nodes, 0 for an empty graph.
func (h *HNSW) TombstoneRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(len(h.nodes)-h.live) / float64(len(h.nodes))
}

// Upsert inserts or replaces the vector for id. Replacing with an identical
// vector is a no-op.
func (h *HNSW) Upsert(ctx context.Context, id int64, vector types.EmbeddingVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) != h.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), h.dimension)
	}
	vec, ok := normalize(vector)
	if !ok {
		return ErrZeroVector
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if internal, exists := h.byID[id]; exists {
		if equalVectors(h.nodes[internal].vec, vec) {
			return nil
		}
		h.removeLocked(internal)
	}
	h.insertLocked(id, vec)
	h.maybeCompactLocked()
	return nil
}

// Remove tombstones id. Unknown IDs are ignored.
func (h *HNSW) Remove(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if internal, ok := h.byID[id]; ok {
		h.removeLocked(internal)
		h.maybeCompactLocked()
	}
	return nil
}

// Search returns up to k live vectors closest to query, best first. efSearch
// <= 0 uses the configured default; it is never allowed below k.
func (h *HNSW) Search(ctx context.Context, query types.EmbeddingVector, k int, efSearch int) ([]storage.Match, error) {
	if len(query) != h.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.dimension)
	}
	if k <= 0 {
		return []storage.Match{}, nil
	}
	if efSearch <= 0 {
		efSearch = h.config.EfSearch
	}
	if efSearch < k {
		efSearch = k
	}
	q, ok := normalize(query)
	if !ok {
		return []storage.Match{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return []storage.Match{}, nil
	}
	// Tombstones still occupy beam slots; widen so k live results survive.
	efSearch += len(h.nodes) - h.live

	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyLocked(q, ep, l)
	}
	candidates := h.searchLayerLocked(q, ep, efSearch, 0)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]storage.Match, 0, min(k, len(candidates)))
	for _, c := range candidates {
		if h.deleted[c.id] {
			continue
		}
		out = append(out, storage.Match{ID: h.nodes[c.id].id, Score: float64(1 - c.dist)})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Clear drops every vector.
func (h *HNSW) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
}

func (h *HNSW) resetLocked() {
	h.nodes = nil
	h.deleted = nil
	h.byID = make(map[int64]uint32)
	h.live = 0
	h.entry = 0
	h.hasEntry = false
	h.maxLevel = 0
}

func (h *HNSW) randomLevel() int {
	r := h.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

func (h *HNSW) maxConn(level int) int {
	if level == 0 {
		return 2 * h.config.M
	}
	return h.config.M
}

func (h *HNSW) insertLocked(id int64, vec []float32) {
	level := h.randomLevel()
	nid := uint32(len(h.nodes))
	h.nodes = append(h.nodes, hnswNode{id: id, vec: vec, level: level, links: make([][]uint32, level+1)})
	h.deleted = append(h.deleted, false)
	h.byID[id] = nid
	h.live++

	if !h.hasEntry {
		h.entry = nid
		h.hasEntry = true
		h.maxLevel = level
		return
	}

	ep := h.entry
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyLocked(vec, ep, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayerLocked(vec, ep, h.config.EfConstruction, l)
		neighbours := h.selectNeighboursLocked(candidates, nid, h.config.M)
		h.nodes[nid].links[l] = neighbours
		for _, nb := range neighbours {
			h.linkLocked(nb, nid, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = nid
	}
}

// selectNeighboursLocked keeps the m closest live candidates other than self.
// candidates must already be sorted by ascending distance.
func (h *HNSW) selectNeighboursLocked(candidates []distItem, self uint32, m int) []uint32 {
	out := make([]uint32, 0, m)
	for _, c := range candidates {
		if c.id == self || h.deleted[c.id] {
			continue
		}
		out = append(out, c.id)
		if len(out) == m {
			break
		}
	}
	return out
}

// linkLocked adds a back-link from node to target on level, pruning node's
// neighbour list to the closest maxConn entries when it overflows.
func (h *HNSW) linkLocked(node, target uint32, level int) {
	links := append(h.nodes[node].links[level], target)
	limit := h.maxConn(level)
	if len(links) > limit {
		base := h.nodes[node].vec
		sort.Slice(links, func(i, j int) bool {
			return distance(base, h.nodes[links[i]].vec) < distance(base, h.nodes[links[j]].vec)
		})
		links = links[:limit]
	}
	h.nodes[node].links[level] = links
}

func (h *HNSW) removeLocked(internal uint32) {
	if h.deleted[internal] {
		return
	}
	h.deleted[internal] = true
	h.live--
	delete(h.byID, h.nodes[internal].id)

	if h.live <= 0 {
		h.entry = 0
		h.hasEntry = false
		h.maxLevel = 0
		return
	}
	if internal == h.entry || h.nodes[internal].level == h.maxLevel {
		h.reselectEntryLocked()
	}
}

func (h *HNSW) reselectEntryLocked() {
	found := false
	for i := range h.nodes {
		if h.deleted[i] {
			continue
		}
		if !found || h.nodes[i].level > h.maxLevel {
			h.entry = uint32(i)
			h.maxLevel = h.nodes[i].level
			found = true
		}
	}
	h.hasEntry = found
	if !found {
		h.maxLevel = 0
	}
}

// maybeCompactLocked rebuilds the graph from live nodes once tombstones
// outnumber them.
func (h *HNSW) maybeCompactLocked() {
	if len(h.nodes) < compactMinNodes || len(h.nodes)-h.live <= h.live {
		return
	}
	type liveNode struct {
		id  int64
		vec []float32
	}
	keep := make([]liveNode, 0, h.live)
	for i, n := range h.nodes {
		if !h.deleted[i] {
			keep = append(keep, liveNode{id: n.id, vec: n.vec})
		}
	}
	h.resetLocked()
	for _, n := range keep {
		h.insertLocked(n.id, n.vec)
	}
}

func (h *HNSW) greedyLocked(q []float32, ep uint32, level int) uint32 {
	current := ep
	currentDist := distance(q, h.nodes[current].vec)
	for {
		changed := false
		if level < len(h.nodes[current].links) {
			for _, nb := range h.nodes[current].links[level] {
				if d := distance(q, h.nodes[nb].vec); d < currentDist {
					current, currentDist = nb, d
					changed = true
				}
			}
		}
		if !changed {
			return current
		}
	}
}

// searchLayerLocked is the beam search of one layer. It returns up to ef
// nodes sorted by ascending distance, tombstones included.
func (h *HNSW) searchLayerLocked(q []float32, ep uint32, ef int, level int) []distItem {
	visited := make(map[uint32]struct{}, ef*4)
	visited[ep] = struct{}{}

	entry := distItem{id: ep, dist: distance(q, h.nodes[ep].vec)}
	candidates := newDistHeap(false)
	results := newDistHeap(true)
	candidates.Push(entry)
	results.Push(entry)

	for candidates.Len() > 0 {
		closest := candidates.Pop()
		if results.Len() >= ef && closest.dist > results.Peek().dist {
			break
		}
		node := &h.nodes[closest.id]
		if level >= len(node.links) {
			continue
		}
		for _, nb := range node.links[level] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			d := distance(q, h.nodes[nb].vec)
			if results.Len() < ef || d < results.Peek().dist {
				candidates.Push(distItem{id: nb, dist: d})
				results.Push(distItem{id: nb, dist: d})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	out := make([]distItem, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = results.Pop()
	}
	return out
}

// distance is 1 - cosine similarity for unit vectors.
func distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, true
}

func equalVectors(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type distItem struct {
	id   uint32
	dist float32
}

// distHeap is a binary heap of distItem; a min-heap by distance unless max.
type distHeap struct {
	items []distItem
	max   bool
}

func newDistHeap(max bool) *distHeap {
	return &distHeap{max: max}
}

func (h *distHeap) Len() int { return len(h.items) }

func (h *distHeap) Peek() distItem { return h.items[0] }

func (h *distHeap) Push(item distItem) {
	h.items = append(h.items, item)
	h.siftUp(len(h.items) - 1)
}

func (h *distHeap) Pop() distItem {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return top
}

func (h *distHeap) less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}

func (h *distHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			return
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *distHeap) siftDown(i int) {
	n := len(h.items)
	for {
		smallest := i
		left, right := 2*i+1, 2*i+2
		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}
