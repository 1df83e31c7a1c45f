package storage

import (
	"errors"
	"fmt"

	"github.com/scrypster/riahunter/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIndexUnavailable indicates that a vector or lexical index is missing
	// or not ready to serve queries.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrStaleNarrative indicates that an embedding was computed from text
	// that has since been replaced.
	ErrStaleNarrative = errors.New("narrative text changed since embedding was computed")
)

// Field names a lexically indexed field.
type Field string

const (
	// FieldNarrative is the narrative text.
	FieldNarrative Field = "narrative"

	// FieldName is the entity display name.
	FieldName Field = "name"
)

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	return f == FieldNarrative || f == FieldName
}

// Match is one index hit: an entity ID with a similarity score.
type Match struct {
	ID    int64
	Score float64
}

// Partition selects a modulo slice of the identifier space. The zero value
// selects everything.
type Partition struct {
	// Index is this slice's remainder, 0 <= Index < Count.
	Index int

	// Count is the number of slices. Count <= 1 means no partitioning.
	Count int
}

// Enabled reports whether the partition restricts anything.
func (p Partition) Enabled() bool {
	return p.Count > 1
}

// Contains reports whether id belongs to the partition.
func (p Partition) Contains(id int64) bool {
	if !p.Enabled() {
		return true
	}
	return id%int64(p.Count) == int64(p.Index)
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	if !p.Enabled() {
		return "all"
	}
	return fmt.Sprintf("%d/%d", p.Index, p.Count)
}

// Validate checks that Index is in range.
func (p Partition) Validate() error {
	if p.Count < 0 || (p.Enabled() && (p.Index < 0 || p.Index >= p.Count)) {
		return fmt.Errorf("%w: partition %d/%d out of range", ErrInvalidInput, p.Index, p.Count)
	}
	return nil
}

// BacklogOptions pages through narratives that still need an embedding.
type BacklogOptions struct {
	// After is the cursor: only entity IDs strictly greater are returned.
	After int64

	// Limit is the page size (default: 50, max: 1000).
	Limit int

	// Partition restricts the scan to one modulo slice.
	Partition Partition
}

// Normalize applies defaults and caps.
func (o *BacklogOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.After < 0 {
		o.After = 0
	}
}

// EmbeddingUpdate is one atomic embedding replacement.
type EmbeddingUpdate struct {
	EntityID int64
	Vector   types.EmbeddingVector
	Model    string

	// TextHash, when set, must equal the stored narrative's hash or the
	// update is rejected with ErrStaleNarrative.
	TextHash string
}

// Validate checks the update before it reaches the database.
func (u EmbeddingUpdate) Validate(dimension int) error {
	if u.EntityID <= 0 {
		return fmt.Errorf("%w: entity ID is required", ErrInvalidInput)
	}
	if len(u.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", ErrInvalidInput)
	}
	if dimension > 0 && len(u.Vector) != dimension {
		return fmt.Errorf("%w: embedding length (%d) does not match dimension (%d)",
			ErrInvalidInput, len(u.Vector), dimension)
	}
	if !u.Vector.HasDirection() {
		return fmt.Errorf("%w: embedding vector must have a finite, non-zero norm", ErrInvalidInput)
	}
	if u.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidInput)
	}
	return nil
}

// Stats holds read-only corpus diagnostics.
type Stats struct {
	Entities          int
	Narratives        int
	Embedded          int
	MissingEmbeddings int
	BlankNarratives   int
	UncorrectedAUM    int

	// VectorIndex describes the native vector index, if the backend has one
	// (e.g. "hnsw" on PostgreSQL). Empty when absent.
	VectorIndex string
}

// ValidateEntity checks the fields every backend requires.
func ValidateEntity(entity *types.Entity) error {
	if entity == nil {
		return ErrInvalidInput
	}
	if entity.ID <= 0 {
		return fmt.Errorf("%w: entity ID is required", ErrInvalidInput)
	}
	if entity.DisplayName == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	if entity.AUM != nil && *entity.AUM < 0 {
		return fmt.Errorf("%w: AUM cannot be negative", ErrInvalidInput)
	}
	return nil
}

// ValidateNarrative checks the fields every backend requires.
func ValidateNarrative(narrative *types.Narrative) error {
	if narrative == nil {
		return ErrInvalidInput
	}
	if narrative.EntityID <= 0 {
		return fmt.Errorf("%w: entity ID is required", ErrInvalidInput)
	}
	return nil
}
