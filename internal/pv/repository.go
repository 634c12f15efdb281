package pv

import (
	"context"

	"preserve-go/internal/digest"
)

// UploadOutcome describes a container upload that met its collection's
// failure tolerance. Failed lists the pillars that did not acknowledge; it is
// empty only when every pillar stored the file.
type UploadOutcome struct {
	FileID       string          `json:"file_id"`
	CollectionID string          `json:"collection_id"`
	Size         int64           `json:"size"`
	Checksum     digest.Digest   `json:"checksum"`
	Pillars      []string        `json:"pillars"`
	Acknowledged []string        `json:"acknowledged"`
	Failed       []PillarFailure `json:"failed,omitempty"`
	MaxFailures  int             `json:"max_failures"`
}

// Shortfall returns the number of pillars that did not acknowledge.
func (o *UploadOutcome) Shortfall() int {
	return len(o.Failed)
}

// Repository is the bit-repository client used by the orchestrators.
type Repository interface {
	// KnownCollections returns the sorted names of the configured collections.
	KnownCollections(ctx context.Context) ([]string, error)

	// UploadContainer replicates the file at path to every pillar of the
	// collection. It fails with *UploadError when more pillars fail than the
	// collection tolerates and with ErrUnknownProfile for unknown collections.
	UploadContainer(ctx context.Context, path, collectionID string) (*UploadOutcome, error)

	// GetFile retrieves fileID into destDir and returns the local path. When
	// expected is non-nil the content is verified before it is moved into
	// place; a mismatch fails with ErrChecksumMismatch and leaves nothing
	// behind.
	GetFile(ctx context.Context, fileID, collectionID string, expected *digest.Digest, destDir string) (string, error)

	// GetFileRange retrieves length bytes of fileID starting at offset.
	GetFileRange(ctx context.Context, fileID, collectionID string, offset, length int64) ([]byte, error)
}
