package testutil

import (
	"testing"

	"preserve-go/internal/digest"
)

// Digest returns the SHA1/base32 digest of data, the default configuration.
func Digest(t *testing.T, data []byte) digest.Digest {
	t.Helper()
	return DigestWith(t, digest.SHA1, digest.Base32, data)
}

func DigestWith(t *testing.T, alg string, enc digest.Encoding, data []byte) digest.Digest {
	t.Helper()
	d, err := digest.Bytes(alg, data, enc)
	if err != nil {
		t.Fatalf("digest %s/%s: %v", alg, enc, err)
	}
	return d
}
