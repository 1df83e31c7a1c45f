// Package types defines the core data structures for the riahunter retrieval
// engine: adviser firm profiles (entities), their narratives, embedding vectors,
// query filters and scored search results.
package types

import (
	"crypto/sha256"
	"fmt"
)

// SyntheticIDBase is the first identifier of the reserved range used for
// entities that arrive without an externally assigned (CRD) number. Real CRD
// numbers are well below this value, so synthetic IDs never collide with them.
const SyntheticIDBase int64 = 900_000_000

// SyntheticID is the identifier of the record at 1-based position row of a
// source file. The same file always yields the same IDs, so reloading it
// updates the records in place.
func SyntheticID(row int) int64 {
	return SyntheticIDBase + int64(row)
}

// IsSynthetic reports whether id was allocated from the reserved range.
func IsSynthetic(id int64) bool {
	return id >= SyntheticIDBase
}

// TextHash returns the hex sha256 of a narrative text. Stored alongside the
// narrative so an embedding computed from stale text can be rejected.
func TextHash(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
}
