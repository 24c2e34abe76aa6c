package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/errorbus"
	"github.com/hitoshi/studyroom/internal/metrics"
)

// Status はSlotの現在値。
//
//	対象なし:   {nil, false, nil}
//	読み込み中: {nil, true, nil}
//	取得済み:   {data, false, nil}
//	失敗:       {nil, false, err}
type Status struct {
	// Doc はドキュメント対象のときの値。ドキュメントが存在しなければnil。
	Doc *docstore.Document
	// Docs はクエリ対象のときの値。クエリの並び順に従う。
	Docs      []docstore.Document
	IsLoading bool
	Err       *errorbus.ReadError
}

// Manager は1人の利用者エージェントに属する購読群を管理する。
// スナップショットの反映とリスナー呼び出しは専用の1本のループで直列に行う。
type Manager struct {
	ctx     context.Context
	store   docstore.Client
	bus     *errorbus.Bus
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu     sync.Mutex
	tasks  []func()
	slots  map[*Slot]struct{}
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager はManagerを生成する。ctxのプリンシパルで購読する。
func NewManager(ctx context.Context, store docstore.Client, bus *errorbus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		ctx:     ctx,
		store:   store,
		bus:     bus,
		logger:  logger,
		metrics: metrics.Nop{},
		slots:   make(map[*Slot]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.loop()
	return m
}

// NewSlot は購読枠を作る。onChange はManagerのループ上で呼ばれ、
// その中からWatchやCloseを呼んでもよい。
func (m *Manager) NewSlot(onChange func(Status)) *Slot {
	if onChange == nil {
		onChange = func(Status) {}
	}
	s := &Slot{m: m, onChange: onChange}
	m.mu.Lock()
	if m.closed {
		s.closed = true
	} else {
		m.slots[s] = struct{}{}
	}
	m.mu.Unlock()
	return s
}

// Close は全Slotを閉じてループを止める。リスナーの中から呼んではならない。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	slots := make([]*Slot, 0, len(m.slots))
	for s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	for _, s := range slots {
		s.Close()
	}
	m.signal()
	<-m.done
}

func (m *Manager) post(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		if m.closed {
			m.tasks = nil
			m.mu.Unlock()
			return
		}
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			<-m.wake
			continue
		}
		fn := m.tasks[0]
		m.tasks[0] = nil
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		fn()
	}
}

func (m *Manager) forget(s *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, s)
}

// Slot は1つの購読対象を保持する枠。
// 対象が変わると古い購読を1つ閉じてから新しい購読を1つ開く。
type Slot struct {
	m        *Manager
	onChange func(Status)

	mu       sync.Mutex
	handle   Handle
	watching bool
	gen      uint64
	unsub    func()
	status   Status
	closed   bool
}

// Watch は購読対象を設定する。
// 直前と構造的に等しいHandleなら何もしない。
// コンストラクタを通していないHandleを渡すとパニックする。
func (s *Slot) Watch(h Handle) {
	if !h.memo {
		panic(fmt.Errorf("%w (key %q)", ErrUnmemoizedHandle, h.target.Key()))
	}

	s.mu.Lock()
	if s.closed || (s.watching && s.handle.key == h.key) {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.unsub
	s.unsub = nil
	s.handle = h
	s.watching = true
	st := Status{IsLoading: !h.IsNone()}
	s.status = st
	s.mu.Unlock()

	if old != nil {
		old()
		s.m.metrics.RecordSubscriptionClosed()
	}
	s.m.post(func() { s.deliver(gen, st) })
	if h.IsNone() {
		return
	}

	unsub := s.m.store.Subscribe(s.m.ctx, h.target,
		func(snap docstore.Snapshot) { s.m.post(func() { s.applySnapshot(gen, snap) }) },
		func(err error) { s.m.post(func() { s.applyError(gen, err) }) },
	)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()
	s.m.metrics.RecordSubscriptionOpened()
}

// Status は現在値を返す。
func (s *Slot) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Handle は現在の購読対象を返す。
func (s *Slot) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Close は購読を解除する。以降リスナーは呼ばれない。
func (s *Slot) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
		s.m.metrics.RecordSubscriptionClosed()
	}
	s.m.forget(s)
}

func (s *Slot) current(gen uint64) bool {
	return !s.closed && s.gen == gen
}

func (s *Slot) deliver(gen uint64, st Status) {
	s.mu.Lock()
	ok := s.current(gen)
	s.mu.Unlock()
	if ok {
		s.onChange(st)
	}
}

func (s *Slot) applySnapshot(gen uint64, snap docstore.Snapshot) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	var st Status
	switch s.handle.target.Kind() {
	case docstore.KindDoc:
		if snap.Doc.Exists {
			doc := snap.Doc
			st.Doc = &doc
		}
	case docstore.KindQuery:
		st.Docs = snap.Docs
		if st.Docs == nil {
			st.Docs = []docstore.Document{}
		}
	}
	s.status = st
	s.mu.Unlock()
	s.onChange(st)
}

// applyError は失敗を1度だけ反映する。ストア側の購読は終了しているので再購読はしない。
func (s *Slot) applyError(gen uint64, err error) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	op := errorbus.OpReadMany
	if s.handle.target.Kind() == docstore.KindDoc {
		op = errorbus.OpReadOne
	}
	readErr := &errorbus.ReadError{Operation: op, Path: s.handle.target.Path(), Cause: err}
	st := Status{Err: readErr}
	s.status = st
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
		s.m.metrics.RecordSubscriptionClosed()
	}

	principal := docstore.PrincipalFromContext(s.m.ctx)
	s.m.logger.Warn("subscription failed",
		slog.String("operation", string(op)),
		slog.String("path", readErr.Path),
		slog.String("user_id", principal),
		slog.String("error", err.Error()),
	)
	if readErr.IsPermission() {
		s.m.metrics.RecordPermissionError()
	}
	if s.m.bus != nil {
		s.m.bus.PublishRead(principal, readErr)
	}
	s.onChange(st)
}
