// Package errorbus は購読拒否や書き込み失敗を通知するイベントバスを提供する。
// グローバルなシングルトンは持たず、起動時に生成したBusを各コンポーネントへ注入する。
package errorbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/studyroom/internal/docstore"
)

// Kind はイベントの種別を表す。
type Kind string

const (
	// KindPermission は購読・読み取りがアクセス規則で拒否されたことを表す。
	KindPermission Kind = "permission-error"
	// KindReadFailed はアクセス規則以外の理由で購読・読み取りが失敗したことを表す。
	KindReadFailed Kind = "read-failed"
	// KindWriteFailed は非同期書き込みの失敗を表す。
	KindWriteFailed Kind = "write-failed"
)

// Operation は失敗した操作の種別を表す。
type Operation string

const (
	OpReadOne   Operation = "read-one"
	OpReadMany  Operation = "read-many"
	OpMerge     Operation = "merge"
	OpDelete    Operation = "delete"
	OpCreate    Operation = "create"
	OpIncrement Operation = "increment"
)

// ReadError は購読・読み取りの失敗を表す構造化エラー。
type ReadError struct {
	Operation Operation
	Path      string
	Cause     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Path, e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// IsPermission はアクセス規則による拒否かを返す。
func (e *ReadError) IsPermission() bool {
	return errors.Is(e.Cause, docstore.ErrPermissionDenied)
}

// WriteError は非同期書き込みの失敗を表す構造化エラー。
type WriteError struct {
	Operation Operation
	Path      string
	Cause     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Path, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// Event はバスに流れる1件の通知。
type Event struct {
	Kind      Kind
	Principal string
	Err       error
}

// Handler はイベントを受け取る関数。
type Handler func(Event)

// Bus は種別ごとのハンドラへイベントを同期的に配る。
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]map[uint64]Handler
	nextID   uint64
	logger   *slog.Logger
}

// New はBusを生成する。
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Kind]map[uint64]Handler),
		logger:   logger,
	}
}

// On は種別にハンドラを登録する。戻り値の関数で登録を解除する。
func (b *Bus) On(kind Kind, h Handler) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[kind], id)
		})
	}
}

// Publish はイベントを登録済みハンドラへ配る。
// ハンドラのパニックは回復してログに残し、他のハンドラへの配信を続ける。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.invoke(h, ev)
	}
}

// PublishRead は読み取り失敗を、拒否かどうかで種別を選んで配る。
func (b *Bus) PublishRead(principal string, err *ReadError) {
	kind := KindReadFailed
	if err.IsPermission() {
		kind = KindPermission
	}
	b.Publish(Event{Kind: kind, Principal: principal, Err: err})
}

// PublishWrite は書き込み失敗を配る。
func (b *Bus) PublishWrite(principal string, err *WriteError) {
	b.Publish(Event{Kind: KindWriteFailed, Principal: principal, Err: err})
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("error bus handler panicked",
				slog.String("kind", string(ev.Kind)),
				slog.Any("panic", r),
			)
		}
	}()
	h(ev)
}
