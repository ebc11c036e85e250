package metadata

import (
	"fmt"

	"github.com/hyperjump/shirabe/internal/models"
)

// Metadata artifact formats.
const (
	FormatJSONL  = "jsonl"
	FormatSQLite = "sqlite"
)

// Codec reads and writes the metadata artifact. Write must leave a complete, synced file
// at path or return an error; Read reports any inconsistency as *models.CorruptIndexError.
type Codec interface {
	Format() string
	Write(path string, rows []*models.Chunk) error
	Read(path string) ([]*models.Chunk, error)
}

// NewCodec returns the codec for format ("" means jsonl).
func NewCodec(format string) (Codec, error) {
	switch format {
	case FormatJSONL, "":
		return JSONLCodec{}, nil
	case FormatSQLite:
		return SQLiteCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown metadata format: %s (supported: jsonl, sqlite)", format)
	}
}

func corrupt(path, reason string, err error) error {
	return &models.CorruptIndexError{Artifact: models.ArtifactMetadata, Path: path, Reason: reason, Err: err}
}
