package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

type RedisCacheStore struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ CacheStore = (*RedisCacheStore)(nil)

func NewRedisCacheStore(redisURL string, ttl time.Duration) (*RedisCacheStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisCacheStoreFromClient(context.Background(), redis.NewClient(opt), ttl)
}

// Wraps an existing client. The connection is checked before returning.
func NewRedisCacheStoreFromClient(ctx context.Context, rdb *redis.Client, ttl time.Duration) (*RedisCacheStore, error) {
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisCacheStore{
		Data: data,
		TTL:  ttl,
	}, nil
}

func (s *RedisCacheStore) Get(ctx context.Context, kind, key string) ([]byte, error) {
	var val []byte
	err := s.Data.Get(ctx, cacheKey(kind, key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, kind, key string, val []byte) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   cacheKey(kind, key),
		Value: val,
		TTL:   s.TTL,
	})
}

func (s *RedisCacheStore) Purge(ctx context.Context, kind, key string) error {
	err := s.Data.Delete(ctx, cacheKey(kind, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
