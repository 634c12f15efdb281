package pv

import "io"

// Encryptor manages the key pair used to encrypt pillar files at rest.
// Encryption only needs the public key; decryption requires Unlock.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// EncryptTo returns a writer that encrypts everything written to it into
	// w. The returned writer must be closed to flush the ciphertext.
	EncryptTo(w io.Writer) (io.WriteCloser, error)

	// Unlock decrypts the private key.
	Unlock(passphrase string) (Decryptor, error)

	// IsConfigured reports whether a key pair exists.
	IsConfigured() bool
}

// Decryptor decrypts ciphertext produced by an Encryptor.
type Decryptor interface {
	DecryptFrom(r io.Reader) (io.Reader, error)
}
