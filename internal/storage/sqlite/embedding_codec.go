package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/scrypster/riahunter/pkg/types"
)

// serializeEmbedding converts a vector to little-endian float32 bytes for
// storage in a BLOB column.
func serializeEmbedding(embedding types.EmbeddingVector) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding converts a BLOB back to a vector. dimension is used to
// validate the buffer size.
func deserializeEmbedding(buf []byte, dimension int) (types.EmbeddingVector, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	out := make(types.EmbeddingVector, dimension)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
