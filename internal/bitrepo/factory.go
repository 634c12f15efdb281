package bitrepo

import (
	"context"
	"fmt"

	"preserve-go/internal/config"
	"preserve-go/internal/digest"
	"preserve-go/internal/pillar"
	"preserve-go/internal/pv"
)

// NewClientFromConfig builds the pillars of every configured collection and
// returns a client over them.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, enc pv.Encryptor, dec pv.Decryptor, logger pv.Logger) (*Client, error) {
	alg := cfg.Digest.Algorithm
	if alg == "" {
		alg = digest.SHA1
	}
	encoding := digest.Encoding(cfg.Digest.Encoding)
	if encoding == "" {
		encoding = digest.Base32
	}

	cols := make([]Collection, 0, len(cfg.Collections))
	for _, cc := range cfg.Collections {
		col := Collection{ID: cc.Name, MaxFailures: cc.MaxFailures}
		for _, pc := range cc.Pillars {
			p, err := pillar.NewPillarFromConfig(ctx, pc, enc, dec)
			if err != nil {
				return nil, fmt.Errorf("collection %s: %w", cc.Name, err)
			}
			col.Pillars = append(col.Pillars, p)
		}
		cols = append(cols, col)
	}
	return NewClient(cols, alg, encoding, logger)
}
