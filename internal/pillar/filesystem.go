package pillar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// FileSystemPillar stores files in a local directory:
//
//	<root>/
//	  files/
//	    <fileID>
type FileSystemPillar struct {
	id       string
	root     string
	filesDir string
}

var _ pv.Pillar = (*FileSystemPillar)(nil)

// NewFileSystemPillar creates a pillar rooted at root, creating the directory
// layout if needed.
func NewFileSystemPillar(id, root string) (*FileSystemPillar, error) {
	filesDir := filepath.Join(root, "files")
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pillar directory: %w", err)
	}
	return &FileSystemPillar{id: id, root: root, filesDir: filesDir}, nil
}

func (p *FileSystemPillar) ID() string { return p.id }

// PutFile stores the file with an atomic write. Storing an identical file
// again is a no-op; a different file under the same id is refused.
func (p *FileSystemPillar) PutFile(ctx context.Context, fileID string, r io.Reader, size int64, checksum digest.Digest) error {
	if err := checkFileID(fileID); err != nil {
		return err
	}
	dest := filepath.Join(p.filesDir, fileID)

	if _, err := os.Stat(dest); err == nil {
		return p.confirmExisting(dest, fileID, r, size, checksum)
	}

	tmp, err := os.CreateTemp(p.filesDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", pv.ErrRepositoryUnavailable, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := receive(tmp, r, size, checksum); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", fileID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func (p *FileSystemPillar) confirmExisting(path, fileID string, r io.Reader, size int64, checksum digest.Digest) error {
	if err := receive(io.Discard, r, size, checksum); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", fileID, err)
	}
	same := info.Size() == size
	if same && !checksum.IsZero() {
		stored, err := digest.File(checksum.Algorithm, path, checksum.Encoding)
		if err != nil {
			return fmt.Errorf("digesting stored %s: %w", fileID, err)
		}
		same = stored.Matches(checksum)
	}
	if !same {
		return fmt.Errorf("%w: %s already stored with different content", pv.ErrUploadFailed, fileID)
	}
	return nil
}

func (p *FileSystemPillar) open(fileID string) (*os.File, error) {
	if err := checkFileID(fileID); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(p.filesDir, fileID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s on pillar %s", pv.ErrNotFound, fileID, p.id)
		}
		return nil, fmt.Errorf("%w: opening %s: %v", pv.ErrRepositoryUnavailable, fileID, err)
	}
	return f, nil
}

func (p *FileSystemPillar) GetFile(ctx context.Context, fileID string, w io.Writer) error {
	f, err := p.open(fileID)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

func (p *FileSystemPillar) GetFileRange(ctx context.Context, fileID string, offset, length int64, w io.Writer) error {
	f, err := p.open(fileID)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", fileID, err)
	}
	if err := checkRange(fileID, offset, length, info.Size()); err != nil {
		return err
	}
	if _, err := io.Copy(w, io.NewSectionReader(f, offset, length)); err != nil {
		return fmt.Errorf("failed to read range: %w", err)
	}
	return nil
}

func (p *FileSystemPillar) HasFile(ctx context.Context, fileID string) (bool, error) {
	if err := checkFileID(fileID); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(p.filesDir, fileID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", pv.ErrRepositoryUnavailable, fileID, err)
}

// ValidateSetup verifies that the files directory exists and is writable.
func (p *FileSystemPillar) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(p.filesDir)
	if err != nil {
		return fmt.Errorf("%w: pillar directory not accessible: %v", pv.ErrRepositoryUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("pillar path is not a directory: %s", p.filesDir)
	}
	probe, err := os.CreateTemp(p.filesDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: pillar directory not writable: %v", pv.ErrRepositoryUnavailable, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
