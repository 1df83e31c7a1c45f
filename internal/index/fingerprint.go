package index

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is an order-independent digest of a set of (id, vector)
// pairs. Two sets get the same fingerprint when they hold the same IDs with
// the same normalized vectors, so a snapshot can be checked against the
// store without comparing vectors one by one.
type Fingerprint struct {
	sum   uint64
	count int
}

// Add folds one embedding into the fingerprint. Vectors the index would
// reject (zero, NaN or Inf) are skipped, as Upsert skips them.
func (f *Fingerprint) Add(id int64, vec []float32) {
	unit, ok := normalize(vec)
	if !ok {
		return
	}
	f.add(id, unit)
}

func (f *Fingerprint) add(id int64, unit []float32) {
	buf := make([]byte, 8+4*len(unit))
	binary.LittleEndian.PutUint64(buf, uint64(id))
	for i, x := range unit {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(x))
	}
	f.sum += xxhash.Sum64(buf)
	f.count++
}

// Count is the number of vectors folded in.
func (f *Fingerprint) Count() int { return f.count }

func (f *Fingerprint) String() string {
	return fmt.Sprintf("%d-%016x", f.count, f.sum)
}

// Fingerprint digests the live vectors of the graph.
func (h *HNSW) Fingerprint() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var fp Fingerprint
	for i, n := range h.nodes {
		if !h.deleted[i] {
			fp.add(n.id, n.vec)
		}
	}
	return fp.String()
}
