package common_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/authfetch/common"
)

// exerciseCache runs the contract every CacheRepository must honor.
func exerciseCache(t *testing.T, cache common.CacheRepository) {
	t.Helper()

	// 1) Set + Get
	cache.Set("foo", []byte("bar"), time.Hour)
	val, found := cache.Get("foo")
	require.True(t, found, "expected 'foo' to be in cache")
	assert.Equal(t, "bar", string(val))

	// 2) Overwrite
	cache.Set("foo", []byte("baz"), common.NoExpiration)
	val, found = cache.Get("foo")
	require.True(t, found)
	assert.Equal(t, "baz", string(val))

	// 3) Delete, twice
	cache.Delete("foo")
	cache.Delete("foo")
	_, found = cache.Get("foo")
	assert.False(t, found, "expected 'foo' to be deleted")

	// 4) Missing key
	_, found = cache.Get("nope")
	assert.False(t, found)
}

func TestCacheStore(t *testing.T) {
	exerciseCache(t, common.NewCacheStore())
}

func TestCacheStore_NoExpirationOutlivesDefault(t *testing.T) {
	cache := common.NewCacheStore()
	cache.Set("token", []byte("T1"), common.NoExpiration)
	_, found := cache.Get("token")
	assert.True(t, found)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisCache(t *testing.T) {
	_, rdb := newRedis(t)
	exerciseCache(t, common.NewRedisCache(rdb, "authfetch", nil))
}

func TestRedisCache_PrefixAndTTL(t *testing.T) {
	mr, rdb := newRedis(t)
	cache := common.NewRedisCache(rdb, "authfetch", nil)

	cache.Set("access_token", []byte("T1"), common.NoExpiration)
	got, err := mr.Get("authfetch:access_token")
	require.NoError(t, err)
	assert.Equal(t, "T1", got)
	assert.Equal(t, time.Duration(0), mr.TTL("authfetch:access_token"))

	cache.Set("short", []byte("x"), time.Minute)
	mr.FastForward(2 * time.Minute)
	_, found := cache.Get("short")
	assert.False(t, found)
}

func TestRedisCache_ServerDownIsAMiss(t *testing.T) {
	mr, rdb := newRedis(t)
	cache := common.NewRedisCache(rdb, "", nil)
	cache.Set("k", []byte("v"), common.NoExpiration)
	mr.Close()

	_, found := cache.Get("k")
	assert.False(t, found)
}

func TestFileCache(t *testing.T) {
	exerciseCache(t, common.NewFileCache(t.TempDir()+"/cache.json", nil))
}

func TestFileCache_Persists(t *testing.T) {
	path := t.TempDir() + "/nested/cache.json"
	common.NewFileCache(path, nil).Set("access_token", []byte("T1"), common.NoExpiration)

	val, found := common.NewFileCache(path, nil).Get("access_token")
	require.True(t, found)
	assert.Equal(t, "T1", string(val))
}
