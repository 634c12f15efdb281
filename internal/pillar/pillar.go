// Package pillar implements the storage nodes of a bit-repository
// collection: in-memory, local filesystem, S3 and an age-encrypting wrapper
// over any of them.
package pillar

import (
	"fmt"
	"io"
	"strings"

	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

func checkFileID(fileID string) error {
	if fileID == "" || fileID == "." || fileID == ".." || strings.ContainsAny(fileID, `/\`) {
		return fmt.Errorf("%w: invalid file id %q", pv.ErrValidation, fileID)
	}
	return nil
}

func checkRange(fileID string, offset, length, size int64) error {
	if offset < 0 || length <= 0 || offset > size || length > size-offset {
		return fmt.Errorf("%w: range %d+%d of %s (size %d)", pv.ErrValidation, offset, length, fileID, size)
	}
	return nil
}

// receive copies exactly size bytes from r to dst and verifies them against
// checksum when one is given.
func receive(dst io.Writer, r io.Reader, size int64, checksum digest.Digest) error {
	var dw *digest.Writer
	if !checksum.IsZero() {
		var err error
		if dw, err = digest.NewWriter(checksum.Algorithm, checksum.Encoding); err != nil {
			return fmt.Errorf("%w: %v", pv.ErrValidation, err)
		}
		dst = io.MultiWriter(dst, dw)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return fmt.Errorf("receiving file: %w", err)
	}
	if n != size {
		return fmt.Errorf("%w: size mismatch: expected %d bytes, got %d", pv.ErrUploadFailed, size, n)
	}
	if dw != nil && !dw.Digest().Matches(checksum) {
		return fmt.Errorf("%w: received %s, expected %s", pv.ErrChecksumMismatch, dw.Digest(), checksum)
	}
	return nil
}
