package encryption

import (
	"fmt"

	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (pv.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeKeys(cfg), nil
	case "test":
		return NewFakeEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
