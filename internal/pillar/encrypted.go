package pillar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// ErrLocked is returned when an encrypted pillar is read without an
// unlocked key.
var ErrLocked = errors.New("pillar key is locked")

// EncryptedPillar age-encrypts files before handing them to the wrapped
// pillar. Checksums given to and verified by callers are always those of the
// plaintext. Ranges address plaintext offsets and are served by decrypting
// the file up to the end of the range.
type EncryptedPillar struct {
	inner pv.Pillar
	enc   pv.Encryptor
	dec   pv.Decryptor
}

var _ pv.Pillar = (*EncryptedPillar)(nil)

// NewEncryptedPillar wraps inner. dec may be nil, in which case the pillar
// can store files but not read them back.
func NewEncryptedPillar(inner pv.Pillar, enc pv.Encryptor, dec pv.Decryptor) *EncryptedPillar {
	return &EncryptedPillar{inner: inner, enc: enc, dec: dec}
}

func (p *EncryptedPillar) ID() string { return p.inner.ID() }

// PutFile encrypts into a temporary file first, since the wrapped pillar
// needs the ciphertext size up front.
func (p *EncryptedPillar) PutFile(ctx context.Context, fileID string, r io.Reader, size int64, checksum digest.Digest) error {
	has, err := p.inner.HasFile(ctx, fileID)
	if err != nil {
		return err
	}
	if has {
		return p.confirmExisting(ctx, fileID, r, size, checksum)
	}

	tmp, err := os.CreateTemp("", "pv-enc-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	ew, err := p.enc.EncryptTo(tmp)
	if err != nil {
		return fmt.Errorf("pillar %s: %w", p.ID(), err)
	}
	if err := receive(ew, r, size, checksum); err != nil {
		return err
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	sealedSize, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sizing ciphertext: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding ciphertext: %w", err)
	}
	return p.inner.PutFile(ctx, fileID, tmp, sealedSize, digest.Digest{})
}

// confirmExisting accepts a repeated put when the stored plaintext matches.
func (p *EncryptedPillar) confirmExisting(ctx context.Context, fileID string, r io.Reader, size int64, checksum digest.Digest) error {
	if err := receive(io.Discard, r, size, checksum); err != nil {
		return err
	}
	if checksum.IsZero() || p.dec == nil {
		return fmt.Errorf("%w: %s already stored on pillar %s", pv.ErrUploadFailed, fileID, p.ID())
	}
	dw, err := digest.NewWriter(checksum.Algorithm, checksum.Encoding)
	if err != nil {
		return fmt.Errorf("%w: %v", pv.ErrValidation, err)
	}
	if err := p.GetFile(ctx, fileID, dw); err != nil {
		return err
	}
	if dw.Size() != size || !dw.Digest().Matches(checksum) {
		return fmt.Errorf("%w: %s already stored with different content", pv.ErrUploadFailed, fileID)
	}
	return nil
}

// decrypt streams fileID from the wrapped pillar through the decryptor into
// fn.
func (p *EncryptedPillar) decrypt(ctx context.Context, fileID string, fn func(io.Reader) error) error {
	if p.dec == nil {
		return fmt.Errorf("pillar %s: %w", p.ID(), ErrLocked)
	}
	pr, pw := io.Pipe()
	fetched := make(chan error, 1)
	go func() {
		err := p.inner.GetFile(ctx, fileID, pw)
		pw.CloseWithError(err)
		fetched <- err
	}()

	err := func() error {
		plain, err := p.dec.DecryptFrom(pr)
		if err != nil {
			return err
		}
		return fn(plain)
	}()
	pr.Close()
	if ferr := <-fetched; ferr != nil && !errors.Is(ferr, io.ErrClosedPipe) {
		return ferr
	}
	if err != nil {
		return fmt.Errorf("pillar %s: decrypting %s: %w", p.ID(), fileID, err)
	}
	return nil
}

func (p *EncryptedPillar) GetFile(ctx context.Context, fileID string, w io.Writer) error {
	return p.decrypt(ctx, fileID, func(plain io.Reader) error {
		_, err := io.Copy(w, plain)
		return err
	})
}

func (p *EncryptedPillar) GetFileRange(ctx context.Context, fileID string, offset, length int64, w io.Writer) error {
	if offset < 0 || length <= 0 {
		return checkRange(fileID, offset, length, 0)
	}
	var short error
	err := p.decrypt(ctx, fileID, func(plain io.Reader) error {
		skipped, err := io.CopyN(io.Discard, plain, offset)
		if err == nil {
			var n int64
			n, err = io.CopyN(w, plain, length)
			skipped += n
		}
		if errors.Is(err, io.EOF) {
			short = checkRange(fileID, offset, length, skipped)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return short
}

func (p *EncryptedPillar) HasFile(ctx context.Context, fileID string) (bool, error) {
	return p.inner.HasFile(ctx, fileID)
}

func (p *EncryptedPillar) ValidateSetup(ctx context.Context) error {
	if !p.enc.IsConfigured() {
		return fmt.Errorf("pillar %s: encryption keys are not set up", p.ID())
	}
	return p.inner.ValidateSetup(ctx)
}
