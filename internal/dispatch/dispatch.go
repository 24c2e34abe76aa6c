// Package dispatch は呼び出し元を待たせない書き込みキューを提供する。
// 書き込みは投入順に1本のワーカーで実行され、失敗はログとエラーバスへ流れる。
// 自動リトライは行わない。
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/errorbus"
	"github.com/hitoshi/studyroom/internal/metrics"
)

// DefaultTimeout は1件の書き込みに許す時間。
const DefaultTimeout = 10 * time.Second

type job struct {
	ctx       context.Context
	operation errorbus.Operation
	path      string
	run       func(ctx context.Context) error
}

// Dispatcher は書き込みをFIFOで非同期実行する。
// 同じDispatcherに投入した書き込み同士の順序は保たれる（入室のマージが退室の削除を追い越さない）。
type Dispatcher struct {
	store   docstore.Client
	bus     *errorbus.Bus
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	timeout time.Duration

	mu      sync.Mutex
	queue   []job
	pending sync.WaitGroup
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// Option はDispatcherの設定を変更する。
type Option func(*Dispatcher)

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout は1件あたりのタイムアウトを設定する。
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// New はDispatcherを生成し、ワーカーを開始する。
func New(store docstore.Client, bus *errorbus.Bus, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:   store,
		bus:     bus,
		logger:  logger,
		metrics: metrics.Nop{},
		timeout: DefaultTimeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Merge はマージ書き込みを投入する。
func (d *Dispatcher) Merge(ctx context.Context, ref docstore.DocRef, fields map[string]any) {
	d.enqueue(ctx, errorbus.OpMerge, ref.Path(), func(ctx context.Context) error {
		return d.store.MergeWrite(ctx, ref, fields)
	})
}

// Delete は削除を投入する。
func (d *Dispatcher) Delete(ctx context.Context, ref docstore.DocRef) {
	d.enqueue(ctx, errorbus.OpDelete, ref.Path(), func(ctx context.Context) error {
		return d.store.Delete(ctx, ref)
	})
}

// Increment は相対加算を投入する。
func (d *Dispatcher) Increment(ctx context.Context, ref docstore.DocRef, field string, delta int64) {
	d.enqueue(ctx, errorbus.OpIncrement, ref.Path(), func(ctx context.Context) error {
		return d.store.IncrementField(ctx, ref, field, delta)
	})
}

// Wait は投入済みの書き込みがすべて終わるまで待つ。
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close は投入済みの書き込みを実行し終えてからワーカーを停止する。
// Close後の投入は破棄される。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}

func (d *Dispatcher) enqueue(ctx context.Context, op errorbus.Operation, path string, run func(context.Context) error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("write dropped after close",
			slog.String("operation", string(op)),
			slog.String("path", path),
		)
		return
	}
	d.pending.Add(1)
	// 値（プリンシパル）は引き継ぎ、キャンセルは引き継がない。
	d.queue = append(d.queue, job{ctx: context.WithoutCancel(ctx), operation: op, path: path, run: run})
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		j := d.queue[0]
		d.queue[0] = job{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.execute(j)
		d.pending.Done()
	}
}

func (d *Dispatcher) execute(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, d.timeout)
	defer cancel()

	err := j.run(ctx)
	if err == nil {
		return
	}
	principal := docstore.PrincipalFromContext(j.ctx)
	d.logger.Error("write failed",
		slog.String("operation", string(j.operation)),
		slog.String("path", j.path),
		slog.String("user_id", principal),
		slog.String("error", err.Error()),
	)
	d.metrics.RecordWriteFailure(string(j.operation))
	if d.bus != nil {
		d.bus.PublishWrite(principal, &errorbus.WriteError{
			Operation: j.operation,
			Path:      j.path,
			Cause:     err,
		})
	}
}
