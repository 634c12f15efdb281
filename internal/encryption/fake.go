package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"preserve-go/internal/pv"
)

// fakeMagic marks data "encrypted" by FakeEncryptor.
var fakeMagic = []byte("PVFAKE\x00\x00")

// FakeEncryptor prefixes data with a fixed marker instead of encrypting it.
// Ciphertext differs from plaintext in size and checksum, which is all the
// pillar tests need, and no key files are touched.
type FakeEncryptor struct{}

var _ pv.Encryptor = FakeEncryptor{}

func NewFakeEncryptor() FakeEncryptor { return FakeEncryptor{} }

func (FakeEncryptor) Setup(string) error { return nil }

func (FakeEncryptor) IsConfigured() bool { return true }

func (FakeEncryptor) EncryptTo(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write(fakeMagic); err != nil {
		return nil, fmt.Errorf("writing marker: %w", err)
	}
	return nopCloser{w}, nil
}

func (FakeEncryptor) Unlock(string) (pv.Decryptor, error) {
	return fakeDecryptor{}, nil
}

type fakeDecryptor struct{}

func (fakeDecryptor) DecryptFrom(r io.Reader) (io.Reader, error) {
	head := make([]byte, len(fakeMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("reading marker: %w", err)
	}
	if !bytes.Equal(head, fakeMagic) {
		return nil, errors.New("missing encryption marker")
	}
	return r, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
