package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"preserve-go/internal/digest"
	"preserve-go/internal/staging"
)

// DefaultStagingMaxSize bounds test staging areas (10MB).
const DefaultStagingMaxSize = 10 * 1024 * 1024

// NewTestStagingArea creates a staging area in a temp dir using SHA1/base32.
func NewTestStagingArea(t *testing.T) *staging.FileSystemStagingArea {
	t.Helper()
	s, err := staging.NewFileSystemStagingArea(t.TempDir(), DefaultStagingMaxSize, digest.SHA1, digest.Base32, nil)
	if err != nil {
		t.Fatalf("failed to create staging area: %v", err)
	}
	return s
}

// WriteFile writes data to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}
