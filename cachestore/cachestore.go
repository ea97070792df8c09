package cachestore

import (
	"context"
)

type CacheStore interface {
	// Returns (nil, nil) on a cache miss.
	Get(ctx context.Context, kind, key string) ([]byte, error)
	Set(ctx context.Context, kind, key string, val []byte) error
	Purge(ctx context.Context, kind, key string) error
}

func cacheKey(kind, key string) string {
	return "projection/" + kind + "/" + key
}
