// Package bitrepo is the bit-repository client. A collection replicates each
// file to all of its pillars and tolerates a configured number of pillar
// failures; retrieval tries pillars in order and verifies what it gets.
package bitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// Collection is a named set of pillars.
type Collection struct {
	ID          string
	Pillars     []pv.Pillar
	MaxFailures int
}

// Required returns the number of pillars that must acknowledge an upload.
func (c *Collection) Required() int {
	return len(c.Pillars) - c.MaxFailures
}

// Client implements pv.Repository over in-process pillars.
type Client struct {
	collections map[string]*Collection
	algorithm   string
	encoding    digest.Encoding
	logger      pv.Logger
}

var _ pv.Repository = (*Client)(nil)

// NewClient validates the collections and returns a client that digests
// uploads with algorithm.
func NewClient(collections []Collection, algorithm string, encoding digest.Encoding, logger pv.Logger) (*Client, error) {
	if logger == nil {
		logger = pv.NewNopLogger()
	}
	if _, err := digest.NewWriter(algorithm, encoding); err != nil {
		return nil, err
	}
	c := &Client{
		collections: make(map[string]*Collection, len(collections)),
		algorithm:   algorithm,
		encoding:    encoding,
		logger:      logger,
	}
	for i := range collections {
		col := collections[i]
		if _, dup := c.collections[col.ID]; dup {
			return nil, fmt.Errorf("duplicate collection %q", col.ID)
		}
		if len(col.Pillars) == 0 {
			return nil, fmt.Errorf("collection %q has no pillars", col.ID)
		}
		if col.MaxFailures < 0 || col.MaxFailures >= len(col.Pillars) {
			return nil, fmt.Errorf("collection %q: max failures %d out of range for %d pillars",
				col.ID, col.MaxFailures, len(col.Pillars))
		}
		c.collections[col.ID] = &col
	}
	return c, nil
}

func (c *Client) collection(id string) (*Collection, error) {
	col, ok := c.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pv.ErrUnknownProfile, id)
	}
	return col, nil
}

func (c *Client) KnownCollections(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(c.collections))
	for id := range c.collections {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// UploadContainer puts the file at path to every pillar of the collection
// concurrently. The file id is the file's base name.
func (c *Client) UploadContainer(ctx context.Context, path, collectionID string) (*pv.UploadOutcome, error) {
	col, err := c.collection(collectionID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	checksum, err := digest.File(c.algorithm, path, c.encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: digesting %s: %v", pv.ErrStagingIO, path, err)
	}
	fileID := filepath.Base(path)

	errs := make([]error, len(col.Pillars))
	var wg sync.WaitGroup
	for i, p := range col.Pillars {
		wg.Go(func() {
			errs[i] = putFile(ctx, p, path, fileID, info.Size(), checksum)
		})
	}
	wg.Wait()

	outcome := &pv.UploadOutcome{
		FileID:       fileID,
		CollectionID: col.ID,
		Size:         info.Size(),
		Checksum:     checksum,
		MaxFailures:  col.MaxFailures,
	}
	for i, p := range col.Pillars {
		outcome.Pillars = append(outcome.Pillars, p.ID())
		if errs[i] == nil {
			outcome.Acknowledged = append(outcome.Acknowledged, p.ID())
			continue
		}
		c.logger.Warn("pillar did not store file", "collection", col.ID, "pillar", p.ID(), "file_id", fileID, "error", errs[i])
		outcome.Failed = append(outcome.Failed, pv.PillarFailure{PillarID: p.ID(), Detail: errs[i].Error(), Err: errs[i]})
	}

	if len(outcome.Acknowledged) < col.Required() {
		return nil, &pv.UploadError{
			CollectionID: col.ID,
			Required:     col.Required(),
			Acknowledged: outcome.Acknowledged,
			Failed:       outcome.Failed,
		}
	}
	return outcome, nil
}

func putFile(ctx context.Context, p pv.Pillar, path, fileID string, size int64, checksum digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	defer f.Close()
	return p.PutFile(ctx, fileID, f, size, checksum)
}

// GetFile retrieves fileID into destDir. Pillars are tried in order and at
// most MaxFailures+1 of them are asked. When expected is set, a copy that
// does not match it is discarded and the next pillar is tried.
func (c *Client) GetFile(ctx context.Context, fileID, collectionID string, expected *digest.Digest, destDir string) (string, error) {
	col, err := c.collection(collectionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	dest := filepath.Join(destDir, fileID)

	var failures []error
	for _, p := range attempts(col) {
		err := c.fetch(ctx, p, fileID, expected, dest)
		if err == nil {
			return dest, nil
		}
		c.logger.Warn("pillar retrieval failed", "collection", col.ID, "pillar", p.ID(), "file_id", fileID, "error", err)
		failures = append(failures, fmt.Errorf("pillar %s: %w", p.ID(), err))
		if errors.Is(err, pv.ErrStagingIO) || ctx.Err() != nil {
			break
		}
	}
	return "", combine(fileID, failures)
}

func (c *Client) fetch(ctx context.Context, p pv.Pillar, fileID string, expected *digest.Digest, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".get-*")
	if err != nil {
		return fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	var dw *digest.Writer
	if expected != nil {
		if dw, err = digest.NewWriter(expected.Algorithm, expected.Encoding); err != nil {
			return fmt.Errorf("%w: %v", pv.ErrValidation, err)
		}
		w = io.MultiWriter(tmp, dw)
	}
	if err := p.GetFile(ctx, fileID, w); err != nil {
		return err
	}
	if dw != nil && !dw.Digest().Matches(*expected) {
		return fmt.Errorf("%w: %s is %s, expected %s", pv.ErrChecksumMismatch, fileID, dw.Digest(), *expected)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("%w: %v", pv.ErrStagingIO, err)
	}
	success = true
	return nil
}

// GetFileRange retrieves a byte range of fileID, trying pillars in order.
func (c *Client) GetFileRange(ctx context.Context, fileID, collectionID string, offset, length int64) ([]byte, error) {
	col, err := c.collection(collectionID)
	if err != nil {
		return nil, err
	}
	var failures []error
	var buf bytes.Buffer
	for _, p := range attempts(col) {
		buf.Reset()
		err := p.GetFileRange(ctx, fileID, offset, length, &buf)
		if err == nil {
			return bytes.Clone(buf.Bytes()), nil
		}
		c.logger.Warn("pillar range retrieval failed", "collection", col.ID, "pillar", p.ID(), "file_id", fileID, "error", err)
		failures = append(failures, fmt.Errorf("pillar %s: %w", p.ID(), err))
		if errors.Is(err, pv.ErrValidation) || ctx.Err() != nil {
			break
		}
	}
	return nil, combine(fileID, failures)
}

// PillarStatus is the setup check result of one pillar.
type PillarStatus struct {
	CollectionID string
	PillarID     string
	Err          error
}

// ValidateSetup checks every pillar of every collection, in collection and
// pillar order.
func (c *Client) ValidateSetup(ctx context.Context) []PillarStatus {
	ids, _ := c.KnownCollections(ctx)
	var out []PillarStatus
	for _, id := range ids {
		for _, p := range c.collections[id].Pillars {
			out = append(out, PillarStatus{CollectionID: id, PillarID: p.ID(), Err: p.ValidateSetup(ctx)})
		}
	}
	return out
}

// attempts returns the pillars a retrieval may ask.
func attempts(col *Collection) []pv.Pillar {
	n := min(col.MaxFailures+1, len(col.Pillars))
	return col.Pillars[:n]
}

// combine folds per-pillar retrieval failures into one error of the most
// telling kind: a checksum mismatch anywhere wins, then a collection that
// could not be reached at all, then a missing file.
func combine(fileID string, failures []error) error {
	joined := errors.Join(failures...)
	kind := pv.ErrRepositoryUnavailable
	for _, err := range failures {
		if !errors.Is(err, pv.ErrRepositoryUnavailable) {
			kind = nil
			break
		}
	}
	for _, k := range []error{pv.ErrChecksumMismatch, pv.ErrValidation, pv.ErrStagingIO, pv.ErrNotFound} {
		if kind == nil && errors.Is(joined, k) {
			kind = k
		}
	}
	if kind == nil {
		return fmt.Errorf("retrieving %s: %w", fileID, joined)
	}
	return fmt.Errorf("%w: retrieving %s: %v", kind, fileID, joined)
}
