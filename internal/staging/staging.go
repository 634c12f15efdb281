// Package staging keeps the local files of in-flight requests: payloads
// copied in while they are digested, and the containers built from them.
package staging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"

	"preserve-go/internal/digest"
	"preserve-go/internal/model"
	"preserve-go/internal/pv"
)

// FileSystemStagingArea stages files under one directory per request:
//
//	<staging_dir>/
//	  <request-id>/
//	    metadata.xml
//	    <container-id>.warc
//	    content/
//	      <content file>
type FileSystemStagingArea struct {
	root      string
	maxSize   int64
	algorithm string
	encoding  digest.Encoding
	client    *retryablehttp.Client
	logger    pv.Logger

	mu sync.Mutex
	// used counts the bytes reserved per request, including copies still
	// in progress. It is seeded from disk when the area is opened.
	used  map[string]int64
	total int64
}

// contentDir keeps request payloads apart from the files built from them.
const contentDir = "content"

var _ pv.StagingArea = (*FileSystemStagingArea)(nil)

// NewFileSystemStagingArea creates a staging area rooted at root. maxSize
// bounds the total staged bytes; zero means unlimited.
func NewFileSystemStagingArea(root string, maxSize int64, algorithm string, encoding digest.Encoding, logger pv.Logger) (*FileSystemStagingArea, error) {
	if _, err := digest.New(algorithm); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pv.NewNopLogger()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = retryablehttp.LeveledLogger(logger)

	s := &FileSystemStagingArea{
		root:      root,
		maxSize:   maxSize,
		algorithm: algorithm,
		encoding:  encoding,
		client:    client,
		logger:    logger,
		used:      make(map[string]int64),
	}
	if err := s.seed(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the staging directory.
func (s *FileSystemStagingArea) Root() string { return s.root }

// Dir returns the request's directory, creating it if needed.
func (s *FileSystemStagingArea) Dir(requestID string) (string, error) {
	dir, err := s.requestDir(requestID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", pv.ErrStagingIO, dir, err)
	}
	return dir, nil
}

// Stage copies r into the request's directory as name while digesting it.
// The file appears under its final name only once it is complete, and an
// existing file of the same name is never replaced.
func (s *FileSystemStagingArea) Stage(requestID, name string, r io.Reader) (*pv.StagedFile, error) {
	dir, err := s.Dir(requestID)
	if err != nil {
		return nil, err
	}
	return s.stage(requestID, dir, name, r)
}

func (s *FileSystemStagingArea) stage(requestID, dir, name string, r io.Reader) (*pv.StagedFile, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid staged file name %q", pv.ErrValidation, name)
	}
	final := filepath.Join(dir, name)
	if _, err := os.Lstat(final); err == nil {
		return nil, fmt.Errorf("%w: %s is already staged for %s", pv.ErrValidation, name, requestID)
	}

	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %v", pv.ErrStagingIO, err)
	}
	tmpPath := tmp.Name()
	q := &quota{s: s, requestID: requestID}
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
			s.release(requestID, q.n)
		}
	}()

	hasher, err := digest.NewWriter(s.algorithm, s.encoding)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	n, err := io.Copy(io.MultiWriter(q, tmp, hasher), r)
	if err != nil {
		tmp.Close()
		if errors.Is(err, errFull) {
			return nil, fmt.Errorf("%w: staging area full: would exceed max size of %d bytes", pv.ErrStagingIO, s.maxSize)
		}
		return nil, fmt.Errorf("%w: copying %s: %v", pv.ErrStagingIO, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: syncing %s: %v", pv.ErrStagingIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing %s: %v", pv.ErrStagingIO, name, err)
	}

	if err := s.publish(tmpPath, final); err != nil {
		return nil, err
	}
	tmpPath = ""

	return &pv.StagedFile{
		Name:        name,
		Path:        final,
		Size:        n,
		ContentType: contentType("", name),
		Digest:      hasher.Digest(),
	}, nil
}

// publish moves a completed temp file to its final name. The existence check
// and the rename happen under the lock so two copies cannot both land.
func (s *FileSystemStagingArea) publish(tmpPath, final string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Lstat(final); err == nil {
		return fmt.Errorf("%w: %s is already staged", pv.ErrValidation, filepath.Base(final))
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("%w: renaming %s: %v", pv.ErrStagingIO, filepath.Base(final), err)
	}
	return nil
}

var errFull = errors.New("staging area full")

// quota reserves staging space for every chunk before it is written.
type quota struct {
	s         *FileSystemStagingArea
	requestID string
	n         int64
}

func (q *quota) Write(p []byte) (int, error) {
	if err := q.s.reserve(q.requestID, int64(len(p))); err != nil {
		return 0, err
	}
	q.n += int64(len(p))
	return len(p), nil
}

func (s *FileSystemStagingArea) reserve(requestID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && s.total+n > s.maxSize {
		return errFull
	}
	s.used[requestID] += n
	s.total += n
	return nil
}

func (s *FileSystemStagingArea) release(requestID string, n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[requestID] -= n
	s.total -= n
}

// StageSource resolves src and stages it. A supplied checksum must match.
func (s *FileSystemStagingArea) StageSource(ctx context.Context, requestID string, src *model.ContentFile) (*pv.StagedFile, error) {
	sources := 0
	for _, v := range []string{src.Data, src.Path, src.URL} {
		if v != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, fmt.Errorf("%w: content needs exactly one of data, path or url", pv.ErrValidation)
	}

	dir, err := s.Dir(requestID)
	if err != nil {
		return nil, err
	}
	dir = filepath.Join(dir, contentDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", pv.ErrStagingIO, dir, err)
	}

	var staged *pv.StagedFile
	switch {
	case src.Data != "":
		dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(src.Data))
		staged, err = s.stage(requestID, dir, sourceName(src, "content"), dec)
	case src.Path != "":
		staged, err = s.stageLocal(requestID, dir, src, src.Path)
	default:
		staged, err = s.stageURL(ctx, requestID, dir, src)
	}
	if err != nil {
		return nil, err
	}
	if src.ContentType != "" {
		staged.ContentType = src.ContentType
	}

	if src.Checksum != nil {
		want, err := digest.Parse(src.Checksum.Algorithm + ":" + src.Checksum.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: content checksum: %v", pv.ErrValidation, err)
		}
		got := staged.Digest
		if want.Algorithm != got.Algorithm {
			if got, err = digest.File(want.Algorithm, staged.Path, want.Encoding); err != nil {
				return nil, fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
			}
		}
		if !got.Matches(want) {
			return nil, fmt.Errorf("%w: content %s expected %s, staged %s", pv.ErrChecksumMismatch, staged.Name, want, got)
		}
	}
	return staged, nil
}

// stageLocal copies a local file, refusing it if it changes while copied.
func (s *FileSystemStagingArea) stageLocal(requestID, dir string, src *model.ContentFile, p string) (*pv.StagedFile, error) {
	info1, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("%w: content file: %v", pv.ErrStagingIO, err)
	}
	if !info1.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: content %s is not a regular file", pv.ErrValidation, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: opening content file: %v", pv.ErrStagingIO, err)
	}
	staged, err := s.stage(requestID, dir, sourceName(src, filepath.Base(p)), f)
	f.Close()
	if err != nil {
		return nil, err
	}

	info2, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("%w: re-stat content file: %v", pv.ErrStagingIO, err)
	}
	if err := validateStatUnchanged(info1, info2); err != nil {
		s.discard(requestID, staged)
		return nil, fmt.Errorf("%w: content file changed during staging: %v", pv.ErrStagingIO, err)
	}
	return staged, nil
}

func (s *FileSystemStagingArea) stageURL(ctx context.Context, requestID, dir string, src *model.ContentFile) (*pv.StagedFile, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: content url: %v", pv.ErrValidation, err)
	}
	switch u.Scheme {
	case "file":
		return s.stageLocal(requestID, dir, src, u.Path)
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported content url scheme %q", pv.ErrValidation, u.Scheme)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: content url: %v", pv.ErrValidation, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", pv.ErrStagingIO, src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetching %s: %s", pv.ErrStagingIO, src.URL, resp.Status)
	}
	s.logger.Debug("fetching content", "url", src.URL, "length", resp.ContentLength)

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		name = "content"
	}
	staged, err := s.stage(requestID, dir, sourceName(src, name), resp.Body)
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		staged.ContentType = ct
	}
	return staged, nil
}

// Remove deletes everything staged for the request.
func (s *FileSystemStagingArea) Remove(requestID string) error {
	dir, err := s.requestDir(requestID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: removing %s: %v", pv.ErrStagingIO, dir, err)
	}
	s.total -= s.used[requestID]
	delete(s.used, requestID)
	return nil
}

// discard removes one staged file and gives back its reservation.
func (s *FileSystemStagingArea) discard(requestID string, sf *pv.StagedFile) {
	if err := os.Remove(sf.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("removing discarded staged file failed", "path", sf.Path, "error", err)
		return
	}
	s.release(requestID, sf.Size)
}

// Size returns the total size of staged content in bytes, as found on disk.
func (s *FileSystemStagingArea) Size() (int64, error) {
	return dirSize(s.root)
}

// Requests lists the request ids that have staged files.
func (s *FileSystemStagingArea) Requests() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// seed charges whatever earlier runs left on disk to its request.
func (s *FileSystemStagingArea) seed() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		n, err := dirSize(filepath.Join(s.root, e.Name()))
		if err != nil {
			return err
		}
		s.used[id] = n
		s.total += n
	}
	return nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: measuring staging area: %v", pv.ErrStagingIO, err)
	}
	return total, nil
}

func (s *FileSystemStagingArea) requestDir(requestID string) (string, error) {
	name := url.PathEscape(requestID)
	if requestID == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid request id %q", pv.ErrValidation, requestID)
	}
	return filepath.Join(s.root, name), nil
}

// validateStatUnchanged checks that file metadata hasn't changed.
// We ignore access time as it may change from our read.
func validateStatUnchanged(info1, info2 fs.FileInfo) error {
	if info1.Size() != info2.Size() {
		return fmt.Errorf("size changed: %d -> %d", info1.Size(), info2.Size())
	}
	if info1.Mode() != info2.Mode() {
		return fmt.Errorf("mode changed: %v -> %v", info1.Mode(), info2.Mode())
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		return fmt.Errorf("mtime changed: %v -> %v", info1.ModTime(), info2.ModTime())
	}
	c1, ok1 := changeTime(info1)
	c2, ok2 := changeTime(info2)
	if ok1 && ok2 && !c1.Equal(c2) {
		return fmt.Errorf("ctime changed: %v -> %v", c1, c2)
	}
	return nil
}

func sourceName(src *model.ContentFile, fallback string) string {
	if src.Name != "" {
		return filepath.Base(src.Name)
	}
	return fallback
}

func contentType(declared, name string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
