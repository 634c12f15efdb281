package pv

import (
	"context"
	"io"

	"preserve-go/internal/digest"
)

// Pillar is one independent storage node of a collection. Files are written
// once and addressed by file id. Connectivity failures are wrapped with
// ErrRepositoryUnavailable and absent files with ErrNotFound.
type Pillar interface {
	// ID returns the pillar id, unique within its collection.
	ID() string

	// PutFile stores size bytes read from r under fileID. Storing the same
	// file id again with the same checksum is a no-op.
	PutFile(ctx context.Context, fileID string, r io.Reader, size int64, checksum digest.Digest) error

	// GetFile writes the whole file to w.
	GetFile(ctx context.Context, fileID string, w io.Writer) error

	// GetFileRange writes length bytes starting at offset to w.
	GetFileRange(ctx context.Context, fileID string, offset, length int64, w io.Writer) error

	// HasFile reports whether fileID is stored.
	HasFile(ctx context.Context, fileID string) (bool, error)

	// ValidateSetup verifies that the pillar is reachable and configured.
	ValidateSetup(ctx context.Context) error
}
