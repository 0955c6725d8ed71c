// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "shaman:blob:"

type blobCache interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

type redisCache struct {
	client *redis.Client
}

func (c redisCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c redisCache) set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, data, ttl).Err()
}

// CachedStore is a read-through cache in front of a slower store. Blobs are
// immutable so entries never need invalidation. Concurrent misses for one ref
// share a single backend read.
type CachedStore struct {
	next   Store
	cache  blobCache
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return newCachedStore(next, redisCache{client: client}, ttl, logger)
}

func newCachedStore(next Store, cache blobCache, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (s *CachedStore) Put(ctx context.Context, data []byte) (string, error) {
	ref, err := s.next.Put(ctx, data)
	if err != nil {
		return "", err
	}
	if err := s.cache.set(ctx, cacheKeyPrefix+ref, data, s.ttl); err != nil {
		s.logger.Warn("blob cache write failed", "ref", ref, "error", err)
	}
	return ref, nil
}

func (s *CachedStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	data, ok, err := s.cache.get(ctx, cacheKeyPrefix+ref)
	switch {
	case err != nil:
		s.logger.Warn("blob cache read failed", "ref", ref, "error", err)
	case ok && verify(digest, data) == nil:
		return data, nil
	}

	v, err, _ := s.group.Do(ref, func() (any, error) {
		data, err := s.next.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		if err := s.cache.set(ctx, cacheKeyPrefix+ref, data, s.ttl); err != nil {
			s.logger.Warn("blob cache write failed", "ref", ref, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}
