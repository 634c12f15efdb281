package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

// AgeKeys implements pv.Encryptor with an X25519 key pair. The public key is
// stored in plaintext; the private key file is itself age-encrypted to a
// scrypt passphrase.
type AgeKeys struct {
	publicKeyPath  string
	privateKeyPath string
}

var _ pv.Encryptor = (*AgeKeys)(nil)

func NewAgeKeys(cfg config.EncryptionConfig) *AgeKeys {
	return &AgeKeys{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a new key pair. It refuses to replace existing keys, since
// every encrypted pillar file would become unreadable.
func (k *AgeKeys) Setup(passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}
	if k.IsConfigured() {
		return fmt.Errorf("key pair already exists at %s", k.publicKeyPath)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{k.publicKeyPath, k.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	var sealed bytes.Buffer
	lock, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(&sealed, lock)
	if err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}

	if err := os.WriteFile(k.privateKeyPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(k.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// EncryptTo returns a writer encrypting to the stored public key.
func (k *AgeKeys) EncryptTo(w io.Writer) (io.WriteCloser, error) {
	data, err := os.ReadFile(k.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipient in %s", k.publicKeyPath)
	}
	enc, err := age.Encrypt(w, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return enc, nil
}

// Unlock opens the private key with passphrase.
func (k *AgeKeys) Unlock(passphrase string) (pv.Decryptor, error) {
	sealed, err := os.ReadFile(k.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	lock, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), lock)
	if err != nil {
		return nil, fmt.Errorf("unsealing private key: %w", err)
	}
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no identity in private key file")
	}
	return &AgeIdentity{identities: identities}, nil
}

// IsConfigured reports whether both key files exist.
func (k *AgeKeys) IsConfigured() bool {
	for _, p := range []string{k.publicKeyPath, k.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// AgeIdentity is an unlocked private key.
type AgeIdentity struct {
	identities []age.Identity
}

var _ pv.Decryptor = (*AgeIdentity)(nil)

func (a *AgeIdentity) DecryptFrom(r io.Reader) (io.Reader, error) {
	dr, err := age.Decrypt(r, a.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return dr, nil
}
