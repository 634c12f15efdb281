package pillar

import (
	"context"
	"fmt"

	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

// NewPillarFromConfig creates a Pillar implementation based on the pillar
// config type. Encrypted pillars need enc; dec is only needed to read them.
func NewPillarFromConfig(ctx context.Context, cfg config.PillarConfig, enc pv.Encryptor, dec pv.Decryptor) (pv.Pillar, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("pillar requires an id")
	}
	var p pv.Pillar
	switch cfg.Type {
	case "memory":
		p = NewMemoryPillar(cfg.ID)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem pillar %s requires fs_root to be set", cfg.ID)
		}
		fsp, err := NewFileSystemPillar(cfg.ID, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		p = fsp
	case "s3":
		s3p, err := NewS3Pillar(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p = s3p
	default:
		return nil, fmt.Errorf("unknown pillar type: %s", cfg.Type)
	}

	if cfg.Encrypted {
		if enc == nil {
			return nil, fmt.Errorf("pillar %s is encrypted but no encryptor is configured", cfg.ID)
		}
		p = NewEncryptedPillar(p, enc, dec)
	}
	return p, nil
}
