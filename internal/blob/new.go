package blob

import (
	"context"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/config"
)

// New returns the store selected by cfg. A nil cfg yields an in-memory store.
func New(ctx context.Context, cfg *config.PersistenceCfg) (Store, error) {
	if !cfg.Enabled() {
		return NewMemory(), nil
	}
	switch cfg.Backend {
	case config.BackendFS:
		return NewFS(cfg.Dir)
	case config.BackendS3:
		return NewS3(ctx, S3Options{
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
	case config.BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}
