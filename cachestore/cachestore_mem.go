package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type MemCacheStore struct {
	Data *expirable.LRU[string, []byte]
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int, ttl time.Duration) *MemCacheStore {
	return &MemCacheStore{
		Data: expirable.NewLRU[string, []byte](capacity, nil, ttl),
	}
}

func (s *MemCacheStore) Get(ctx context.Context, kind, key string) ([]byte, error) {
	v, ok := s.Data.Get(cacheKey(kind, key))
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (s *MemCacheStore) Set(ctx context.Context, kind, key string, val []byte) error {
	s.Data.Add(cacheKey(kind, key), val)
	return nil
}

func (s *MemCacheStore) Purge(ctx context.Context, kind, key string) error {
	s.Data.Remove(cacheKey(kind, key))
	return nil
}
