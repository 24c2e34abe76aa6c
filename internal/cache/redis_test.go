package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis はテスト用のRedisに接続する。接続できなければテストをスキップする。
func setupTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	r, err := NewRedis(context.Background(), url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewRedis_EmptyURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "")
	assert.Error(t, err)
}

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "://nope")
	assert.Error(t, err)
}

func TestRedis_SetGetDel(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()
	key := "studyroom:test:" + t.Name()

	_, err := r.Del(ctx, key)
	require.NoError(t, err)

	_, err = r.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrMiss))

	require.NoError(t, r.Set(ctx, key, `{"ok":true}`, time.Minute))
	got, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, got)

	n, err := r.Del(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.Del(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
