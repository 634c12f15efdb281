package pv

import (
	"context"
	"io"

	"preserve-go/internal/digest"
	"preserve-go/internal/model"
)

// StagedFile is a payload copied into the staging area.
type StagedFile struct {
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Size        int64         `json:"size"`
	ContentType string        `json:"content_type,omitempty"`
	Digest      digest.Digest `json:"digest"`
}

// StagingArea holds the local files of in-flight requests, one directory per
// request. Errors are wrapped with ErrStagingIO.
type StagingArea interface {
	// Stage copies r into the request's directory as name while digesting it.
	Stage(requestID, name string, r io.Reader) (*StagedFile, error)

	// StageSource resolves a content file reference (inline data, local path,
	// file:// or http(s) URL) and stages it. A supplied checksum is verified.
	StageSource(ctx context.Context, requestID string, src *model.ContentFile) (*StagedFile, error)

	// Dir returns the request's directory, creating it if needed.
	Dir(requestID string) (string, error)

	// Remove deletes everything staged for the request.
	Remove(requestID string) error
}
