// Package cache はランキングなど再計算の重い読み取り結果を短時間保持するキャッシュを提供する。
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss はキーが存在しないことを表す。
var ErrMiss = errors.New("cache: miss")

// Cache はキャッシュの最小限の契約。実装は並行安全であること。
type Cache interface {
	// Get はキーの値を返す。キーが無ければ ErrMiss を返す。
	Get(ctx context.Context, key string) (string, error)
	// Set は値を保存する。ttlが0以下なら期限なし。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del はキーを削除し、削除した件数を返す。
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
