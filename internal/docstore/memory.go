package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory はプロセス内のマップで動作するClient実装。
// テスト用のフェイクとして、また STORE_BACKEND=memory の単一プロセス運用で使う。
type Memory struct {
	mu      sync.Mutex
	docs    map[string]*storedDoc
	seq     int64
	subs    map[int64]*subscriber
	nextSub int64
	now     func() time.Time
	closed  bool
}

type storedDoc struct {
	ref    DocRef
	fields map[string]any
	create time.Time
	update time.Time
	seq    int64
}

// MemoryOption はMemoryの設定を変更する。
type MemoryOption func(*Memory)

// WithMemoryClock はサーバータイムスタンプに使う時計を差し替える。
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory は空のMemoryを生成する。
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs: make(map[string]*storedDoc),
		subs: make(map[int64]*subscriber),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	_ Client           = (*Memory)(nil)
	_ CollectionLister = (*Memory)(nil)
)

// Get は1件のドキュメントを取得する。
func (m *Memory) Get(ctx context.Context, ref DocRef) (Document, error) {
	if !ref.Valid() {
		return Document{}, fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	return m.docLocked(ref), nil
}

// Run はクエリを実行する。
func (m *Memory) Run(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.runLocked(q), nil
}

// Subscribe は対象を購読する。
func (m *Memory) Subscribe(ctx context.Context, target Target, onSnapshot SnapshotFunc, onError ErrorFunc) func() {
	m.mu.Lock()
	m.nextSub++
	sub := newSubscriber(ctx, m.nextSub, target, onSnapshot, onError)
	switch {
	case m.closed:
		sub.offer(delivery{err: ErrClosed})
	default:
		if err := target.validate(); err != nil {
			sub.offer(delivery{err: err})
		} else {
			m.subs[sub.id] = sub
			sub.offer(delivery{snap: m.snapshotLocked(target)})
		}
	}
	m.mu.Unlock()

	go sub.run(func() { m.removeSub(sub.id) })
	return sub.stop
}

// MergeWrite は指定フィールドのみを上書きする。
func (m *Memory) MergeWrite(ctx context.Context, ref DocRef, fields map[string]any) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	normalized, err := normalizeFields(fields, now)
	if err != nil {
		return err
	}
	doc, ok := m.docs[ref.Path()]
	if !ok {
		m.seq++
		doc = &storedDoc{ref: ref, fields: map[string]any{}, create: now, seq: m.seq}
		m.docs[ref.Path()] = doc
	}
	for k, v := range normalized {
		doc.fields[k] = v
	}
	doc.update = now
	m.notifyLocked(ref)
	return nil
}

// Delete はドキュメントを削除する。
func (m *Memory) Delete(ctx context.Context, ref DocRef) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.docs[ref.Path()]; !ok {
		return nil
	}
	delete(m.docs, ref.Path())
	m.notifyLocked(ref)
	return nil
}

// Create は自動採番IDでドキュメントを作成する。
func (m *Memory) Create(ctx context.Context, coll CollectionRef, fields map[string]any) (DocRef, error) {
	if !coll.Valid() {
		return DocRef{}, fmt.Errorf("%w: invalid collection path %q", ErrInvalidArgument, coll.Path())
	}
	ref := coll.Doc(uuid.NewString())
	if err := m.MergeWrite(ctx, ref, fields); err != nil {
		return DocRef{}, err
	}
	return ref, nil
}

// IncrementField は数値フィールドに相対値を加算する。
func (m *Memory) IncrementField(ctx context.Context, ref DocRef, field string, delta int64) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	if field == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	doc, ok := m.docs[ref.Path()]
	if !ok {
		m.seq++
		doc = &storedDoc{ref: ref, fields: map[string]any{}, create: now, seq: m.seq}
		m.docs[ref.Path()] = doc
	}
	switch cur := doc.fields[field].(type) {
	case int64:
		doc.fields[field] = cur + delta
	case float64:
		doc.fields[field] = cur + float64(delta)
	default:
		doc.fields[field] = delta
	}
	doc.update = now
	m.notifyLocked(ref)
	return nil
}

// ListCollections はドキュメントが1件以上あるコレクションのうち、パスがprefixで始まるものを返す。
func (m *Memory) ListCollections(ctx context.Context, prefix string) ([]CollectionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, doc := range m.docs {
		if strings.HasPrefix(doc.ref.parent, prefix) {
			seen[doc.ref.parent] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]CollectionRef, len(paths))
	for i, p := range paths {
		out[i] = CollectionRef{path: p}
	}
	return out, nil
}

// Close は全購読を停止し、以降の操作を ErrClosed にする。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, sub := range m.subs {
		sub.stop()
		delete(m.subs, id)
	}
	return nil
}

// ActiveSubscriptions は現在有効な購読数を返す。
func (m *Memory) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.subs {
		if !sub.stopped() {
			n++
		}
	}
	return n
}

func (m *Memory) removeSub(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

func (m *Memory) docLocked(ref DocRef) Document {
	doc, ok := m.docs[ref.Path()]
	if !ok {
		return Document{Ref: ref}
	}
	return doc.snapshot()
}

func (m *Memory) runLocked(q Query) []Document {
	parent := q.collection.Path()
	all := make([]Document, 0)
	for _, doc := range m.docs {
		if doc.ref.parent == parent {
			all = append(all, doc.snapshot())
		}
	}
	return q.apply(all)
}

func (m *Memory) snapshotLocked(t Target) Snapshot {
	snap := Snapshot{Target: t, ReadTime: m.now()}
	switch t.kind {
	case KindDoc:
		snap.Doc = m.docLocked(t.doc)
	case KindQuery:
		snap.Docs = m.runLocked(t.query)
	}
	return snap
}

// notifyLocked は変更されたドキュメントに関係する購読へ最新スナップショットを投入する。
func (m *Memory) notifyLocked(ref DocRef) {
	for _, sub := range m.subs {
		if sub.stopped() {
			continue
		}
		switch sub.target.kind {
		case KindDoc:
			if sub.target.doc.Path() != ref.Path() {
				continue
			}
		case KindQuery:
			if sub.target.query.collection.Path() != ref.parent {
				continue
			}
		default:
			continue
		}
		sub.offer(delivery{snap: m.snapshotLocked(sub.target)})
	}
}

func (d *storedDoc) snapshot() Document {
	return Document{
		Ref:        d.ref,
		Fields:     cloneFields(d.fields),
		Exists:     true,
		CreateTime: d.create,
		UpdateTime: d.update,
		seq:        d.seq,
	}
}
