package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCacheStore(t *testing.T, cs CacheStore) {
	assert := assert.New(t)
	ctx := context.Background()

	val, err := cs.Get(ctx, "standing", "did:plc:abc")
	assert.NoError(err)
	assert.Nil(val)

	assert.NoError(cs.Set(ctx, "standing", "did:plc:abc", []byte(`{"phi":0.5}`)))
	val, err = cs.Get(ctx, "standing", "did:plc:abc")
	assert.NoError(err)
	assert.Equal(`{"phi":0.5}`, string(val))

	// kinds are separate namespaces
	val, err = cs.Get(ctx, "window", "did:plc:abc")
	assert.NoError(err)
	assert.Nil(val)

	assert.NoError(cs.Purge(ctx, "standing", "did:plc:abc"))
	val, err = cs.Get(ctx, "standing", "did:plc:abc")
	assert.NoError(err)
	assert.Nil(val)

	// purging a missing entry is not an error
	assert.NoError(cs.Purge(ctx, "standing", "did:plc:missing"))
}

func TestMemCacheStore(t *testing.T) {
	testCacheStore(t, NewMemCacheStore(100, time.Minute))
}

func TestRedisCacheStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs, err := NewRedisCacheStoreFromClient(context.Background(), rdb, time.Minute)
	require.NoError(t, err)
	testCacheStore(t, cs)
}
