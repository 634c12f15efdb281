package app

import (
	"fmt"
	"io"
	"os"

	"preserve-go/internal/config"
	"preserve-go/internal/encryption"
	"preserve-go/internal/warc"
)

// InspectContainer lists the records of a local container file.
func InspectContainer(path string) ([]*warc.Record, error) {
	return warc.Inspect(path)
}

// ExtractRecord copies the block of record id in the container at path to w,
// verifying its block digest.
func ExtractRecord(path, id string, w io.Writer) (*warc.Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening container: %w", err)
	}
	defer f.Close()

	rec, err := warc.NewReader(f).Find(id)
	if err != nil {
		return nil, 0, err
	}
	n, err := rec.CopyVerified(w)
	if err != nil {
		return rec, n, fmt.Errorf("extracting %s: %w", id, err)
	}
	return rec, n, nil
}

// InitKeys generates the age key pair used by encrypted pillars.
func InitKeys(cfg config.EncryptionConfig, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}
