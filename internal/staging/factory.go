package staging

import (
	"fmt"

	"preserve-go/internal/config"
	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// NewStagingAreaFromConfig creates the staging area described by the config,
// digesting staged files with the configured algorithm.
func NewStagingAreaFromConfig(cfg config.StagingConfig, dcfg config.DigestConfig, logger pv.Logger) (*FileSystemStagingArea, error) {
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging area requires staging_dir to be set")
	}
	alg := dcfg.Algorithm
	if alg == "" {
		alg = digest.SHA1
	}
	canonical, err := digest.Canonical(alg)
	if err != nil {
		return nil, err
	}
	enc := digest.Encoding(dcfg.Encoding)
	switch enc {
	case "":
		enc = digest.Base32
	case digest.Hex, digest.Base32:
	default:
		return nil, fmt.Errorf("%w: %q", digest.ErrUnsupportedEncoding, dcfg.Encoding)
	}
	return NewFileSystemStagingArea(cfg.StagingDir, cfg.MaxSize, canonical, enc, logger)
}
