// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Interstation-Research/shaman/internal/config"
)

// New builds the configured backend. A non-nil redis client adds the
// read-through cache.
func New(ctx context.Context, cfg config.ContentConfig, rdb *redis.Client, logger *slog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", "fs", "file":
		store, err = NewFileStore(cfg.Dir)
	case "memory", "mem":
		store = NewMemStore()
	case "s3", "filebase":
		store, err = NewS3Store(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown content store %q", cfg.Store)
	}
	if err != nil {
		return nil, err
	}

	if rdb != nil {
		store = NewCachedStore(store, rdb, cfg.CacheTTL.Duration, logger)
	}
	return store, nil
}
