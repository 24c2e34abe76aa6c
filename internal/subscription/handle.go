// Package subscription はリモートストアの購読を、読み込み中・エラーを含む
// 観測可能な値として管理する。
//
// 購読対象はHandleで指定する。HandleはDocHandle/QueryHandle/Noneでのみ生成でき、
// 構造的に等しいHandleを渡し直しても再購読は起きない。
package subscription

import (
	"errors"
	"sync"

	"github.com/hitoshi/studyroom/internal/docstore"
)

// ErrUnmemoizedHandle はコンストラクタを通さずに作られたHandleを渡した場合のエラー。
var ErrUnmemoizedHandle = errors.New("subscription: handle was not built by DocHandle, QueryHandle or None")

// Handle は購読対象の同一性を表す値。
// ゼロ値は無効で、Watchに渡すとパニックする。
type Handle struct {
	target docstore.Target
	key    string
	memo   bool
}

// None は「対象なし」を表すHandleを返す。
func None() Handle {
	return Handle{memo: true}
}

// DocHandle は単一ドキュメントを対象とするHandleを返す。
func DocHandle(ref docstore.DocRef) Handle {
	t := docstore.DocTarget(ref)
	return Handle{target: t, key: t.Key(), memo: true}
}

// QueryHandle はクエリを対象とするHandleを返す。
func QueryHandle(q docstore.Query) Handle {
	t := docstore.QueryTarget(q)
	return Handle{target: t, key: t.Key(), memo: true}
}

// Target は購読対象を返す。
func (h Handle) Target() docstore.Target { return h.target }

// Key は構造的な同一性キーを返す。
func (h Handle) Key() string { return h.key }

// IsNone は対象なしかを返す。
func (h Handle) IsNone() bool { return h.target.Kind() == docstore.KindNone }

// Equal は2つのHandleが同じ対象を指すかを返す。
func (h Handle) Equal(o Handle) bool { return h.key == o.key }

const memoLimit = 256

// Memo は入力値ごとにHandleをキャッシュするコンストラクタを返す。
// キャッシュが上限に達したら作り直す。
func Memo[K comparable](build func(K) Handle) func(K) Handle {
	var (
		mu    sync.Mutex
		cache = make(map[K]Handle)
	)
	return func(k K) Handle {
		mu.Lock()
		defer mu.Unlock()
		if h, ok := cache[k]; ok {
			return h
		}
		if len(cache) >= memoLimit {
			cache = make(map[K]Handle)
		}
		h := build(k)
		cache[k] = h
		return h
	}
}
