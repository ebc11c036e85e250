package models

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the typed errors below unwrap to these.
var (
	// ErrEmptyIndex is returned by search against an index holding zero vectors.
	ErrEmptyIndex = errors.New("index is empty")

	// ErrEncoding indicates the embedding provider could not produce a vector.
	ErrEncoding = errors.New("embedding failed")

	// ErrDimensionMismatch indicates an incompatible vector width. It requires a rebuild.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrCorruptIndex indicates the persisted snapshot is unreadable or inconsistent.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrOutOfRange is a metadata access past the end of the store.
	ErrOutOfRange = errors.New("position out of range")

	// ErrCancelled is returned when an update is cancelled between embedding batches.
	// The persisted snapshot is left untouched.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidChunk indicates a chunk record is missing required fields or does not
	// match the fixed schema.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrInvalidQuery indicates a malformed search request.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrModelMismatch indicates the embedding model differs from the one that built the index.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrNoBackup indicates there is no complete pair of .bak artifacts to restore.
	ErrNoBackup = errors.New("no backup available")
)

// Snapshot artifact names used in CorruptIndexError.
const (
	ArtifactVectors  = "vectors"
	ArtifactMetadata = "metadata"
	ArtifactSnapshot = "snapshot"
)

// CorruptIndexError names the artifact that failed to load.
type CorruptIndexError struct {
	Artifact string
	Path     string
	Reason   string
	Err      error
}

func (e *CorruptIndexError) Error() string {
	msg := fmt.Sprintf("corrupt index: %s artifact", e.Artifact)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrCorruptIndex.
func (e *CorruptIndexError) Is(target error) bool { return target == ErrCorruptIndex }

func (e *CorruptIndexError) Unwrap() error { return e.Err }

// DimensionMismatchError reports the offending and the expected width.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: got %d, expected %d (rebuild required)", e.Got, e.Want)
}

// Is matches ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }
