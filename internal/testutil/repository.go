package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"preserve-go/internal/bitrepo"
	"preserve-go/internal/digest"
	"preserve-go/internal/pillar"
	"preserve-go/internal/pv"
)

// NewTestPillars returns n memory pillars named p1..pn.
func NewTestPillars(n int) []*pillar.MemoryPillar {
	ps := make([]*pillar.MemoryPillar, n)
	for i := range ps {
		ps[i] = pillar.NewMemoryPillar(fmt.Sprintf("p%d", i+1))
	}
	return ps
}

// NewTestRepository builds a client with one collection over pillars,
// using SHA1/base32 digests.
func NewTestRepository(t *testing.T, collectionID string, maxFailures int, pillars ...*pillar.MemoryPillar) *bitrepo.Client {
	t.Helper()
	ps := make([]pv.Pillar, len(pillars))
	for i, p := range pillars {
		ps[i] = p
	}
	c, err := bitrepo.NewClient([]bitrepo.Collection{
		{ID: collectionID, Pillars: ps, MaxFailures: maxFailures},
	}, digest.SHA1, digest.Base32, nil)
	if err != nil {
		t.Fatalf("failed to build repository client: %v", err)
	}
	return c
}

// FlakyRepository fails the first calls of each operation with
// ErrRepositoryUnavailable before passing through.
type FlakyRepository struct {
	pv.Repository

	mu            sync.Mutex
	UploadFails   int
	RetrieveFails int
	Uploads       int
	Retrievals    int
}

func (r *FlakyRepository) UploadContainer(ctx context.Context, path, collectionID string) (*pv.UploadOutcome, error) {
	r.mu.Lock()
	r.Uploads++
	fail := r.UploadFails > 0
	if fail {
		r.UploadFails--
	}
	r.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: injected", pv.ErrRepositoryUnavailable)
	}
	return r.Repository.UploadContainer(ctx, path, collectionID)
}

func (r *FlakyRepository) GetFile(ctx context.Context, fileID, collectionID string, expected *digest.Digest, destDir string) (string, error) {
	if err := r.retrieval(); err != nil {
		return "", err
	}
	return r.Repository.GetFile(ctx, fileID, collectionID, expected, destDir)
}

func (r *FlakyRepository) GetFileRange(ctx context.Context, fileID, collectionID string, offset, length int64) ([]byte, error) {
	if err := r.retrieval(); err != nil {
		return nil, err
	}
	return r.Repository.GetFileRange(ctx, fileID, collectionID, offset, length)
}

func (r *FlakyRepository) retrieval() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Retrievals++
	if r.RetrieveFails > 0 {
		r.RetrieveFails--
		return fmt.Errorf("%w: injected", pv.ErrRepositoryUnavailable)
	}
	return nil
}

// PanicRepository panics on upload, standing in for a defect.
type PanicRepository struct {
	pv.Repository
}

func (PanicRepository) UploadContainer(context.Context, string, string) (*pv.UploadOutcome, error) {
	panic("nil map write")
}
