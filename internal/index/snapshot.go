package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const hnswSnapshotVersion = "1"

// hnswSnapshot is the serializable form of the HNSW graph. Vectors are
// included; the corpus store remains the source of truth and a missing or
// unreadable snapshot just means a rebuild.
type hnswSnapshot struct {
	Version   string
	Config    HNSWConfig
	Dimension int
	IDs       []int64
	Levels    []int
	Vectors   [][]float32
	Links     [][][]uint32
	Deleted   []bool
	Entry     uint32
	HasEntry  bool
	MaxLevel  int
}

// Save writes a msgpack snapshot of the graph to path. The file is written
// next to path and renamed into place.
func (h *HNSW) Save(path string) error {
	h.mu.RLock()
	snap := hnswSnapshot{
		Version:   hnswSnapshotVersion,
		Config:    h.config,
		Dimension: h.dimension,
		IDs:       make([]int64, len(h.nodes)),
		Levels:    make([]int, len(h.nodes)),
		Vectors:   make([][]float32, len(h.nodes)),
		Links:     make([][][]uint32, len(h.nodes)),
		Deleted:   append([]bool(nil), h.deleted...),
		Entry:     h.entry,
		HasEntry:  h.hasEntry,
		MaxLevel:  h.maxLevel,
	}
	for i, n := range h.nodes {
		snap.IDs[i] = n.id
		snap.Levels[i] = n.level
		snap.Vectors[i] = n.vec
		links := make([][]uint32, len(n.links))
		for l := range n.links {
			links[l] = append([]uint32(nil), n.links[l]...)
		}
		snap.Links[i] = links
	}
	h.mu.RUnlock()

	return writeMsgpackSnapshot(path, &snap)
}

// LoadHNSW reads a snapshot written by Save. The returned error wraps
// os.ErrNotExist when there is no snapshot at path.
func LoadHNSW(path string) (*HNSW, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open snapshot: %w", err)
	}
	defer file.Close()

	var snap hnswSnapshot
	if err := msgpack.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("index: decode snapshot: %w", err)
	}
	if snap.Version != hnswSnapshotVersion {
		return nil, fmt.Errorf("index: unsupported snapshot version %q", snap.Version)
	}
	n := len(snap.IDs)
	if snap.Dimension <= 0 || len(snap.Levels) != n || len(snap.Vectors) != n ||
		len(snap.Links) != n || len(snap.Deleted) != n {
		return nil, fmt.Errorf("index: corrupt snapshot %s", path)
	}

	h := NewHNSW(snap.Dimension, snap.Config)
	h.rng.Seed(h.config.Seed + int64(n))
	h.nodes = make([]hnswNode, n)
	h.deleted = snap.Deleted
	for i := 0; i < n; i++ {
		if snap.Levels[i] < 0 || len(snap.Vectors[i]) != snap.Dimension || len(snap.Links[i]) != snap.Levels[i]+1 {
			return nil, fmt.Errorf("index: corrupt snapshot node %d", i)
		}
		for _, level := range snap.Links[i] {
			for _, nb := range level {
				if int(nb) >= n {
					return nil, fmt.Errorf("index: corrupt snapshot link %d->%d", i, nb)
				}
			}
		}
		h.nodes[i] = hnswNode{id: snap.IDs[i], vec: snap.Vectors[i], level: snap.Levels[i], links: snap.Links[i]}
		if !snap.Deleted[i] {
			h.byID[snap.IDs[i]] = uint32(i)
			h.live++
		}
	}
	// Search starts at the entry point on layer maxLevel; both must name a
	// live node.
	if h.live > 0 {
		if !snap.HasEntry || int(snap.Entry) >= n || snap.Deleted[snap.Entry] || snap.MaxLevel != snap.Levels[snap.Entry] {
			return nil, fmt.Errorf("index: corrupt snapshot entry point %d (level %d)", snap.Entry, snap.MaxLevel)
		}
		h.entry = snap.Entry
		h.hasEntry = true
		h.maxLevel = snap.MaxLevel
	}
	return h, nil
}

// writeMsgpackSnapshot creates parent directories and atomically replaces
// path with the msgpack encoding of snapshot.
func writeMsgpackSnapshot(path string, snapshot any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("index: create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("index: create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := msgpack.NewEncoder(tmp).Encode(snapshot); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("index: encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("index: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("index: replace snapshot: %w", err)
	}
	return nil
}
