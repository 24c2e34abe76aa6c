// Package focus は集中・休憩・超過の3状態を1秒単位で進めるステートマシンを提供する。
// 集中秒数とペナルティは利用者の累計カウンタへ相対加算で書き込む。
package focus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
)

// State はステートマシンの状態。
type State string

const (
	StateWorking State = "WORKING"
	StateReward  State = "REWARD"
	StateOverdue State = "OVERDUE"
	StateStopped State = "STOPPED"
)

// FlushIntervalSeconds は集中秒数をカウンタへ書き出す単位。
const FlushIntervalSeconds = 60

// Config は集中サイクルの時間設定。
type Config struct {
	StudyThresholdSeconds int   `yaml:"studyThresholdSeconds" json:"studyThresholdSeconds"`
	RewardDurationSeconds int   `yaml:"rewardDurationSeconds" json:"rewardDurationSeconds"`
	GraceSeconds          int   `yaml:"graceSeconds" json:"graceSeconds"`
	PenaltyPerSecond      int64 `yaml:"penaltyPerSecond" json:"penaltyPerSecond"`
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.StudyThresholdSeconds <= 0 {
		errs = append(errs, errors.New("studyThresholdSeconds must be positive"))
	}
	if c.RewardDurationSeconds <= 0 {
		errs = append(errs, errors.New("rewardDurationSeconds must be positive"))
	}
	if c.GraceSeconds < 0 {
		errs = append(errs, errors.New("graceSeconds must not be negative"))
	}
	if c.PenaltyPerSecond < 0 {
		errs = append(errs, errors.New("penaltyPerSecond must not be negative"))
	}
	return errors.Join(errs...)
}

// Event は状態の通知。毎秒のカウントダウンと遷移の両方で発行される。
type Event struct {
	State          State `json:"state"`
	SessionSeconds int   `json:"sessionSeconds"`
	RewardTimeLeft int   `json:"rewardTimeLeft"`
	PenaltyTime    int   `json:"penaltyTime"`
	// Transition は直前の状態から遷移した通知であることを示す。
	Transition bool `json:"transition"`
}

// Incrementer はカウンタへの相対加算を呼び出し元を待たせずに投入する。
// dispatch.Dispatcher が実装する。
type Incrementer interface {
	Increment(ctx context.Context, ref docstore.DocRef, field string, delta int64)
}

// Machine は1利用者・1ルームの集中サイクル。
// イベントのリスナーはMachineのロックを保持したまま呼ばれるため、Machineのメソッドを呼んではならない。
type Machine struct {
	cfg     Config
	userID  string
	roomID  string
	counter Incrementer
	onEvent func(Event)
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
	onStop  func(*Machine)

	mu             sync.Mutex
	ctx            context.Context
	state          State
	sessionSeconds int
	rewardTimeLeft int
	penaltyTime    int
	unflushed      int
	anchor         time.Time
	started        bool
	stopOnce       sync.Once
	stopCh         chan struct{}
	done           chan struct{}
}

// Option はMachineの設定を変更する。
type Option func(*Machine)

// WithClock は時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Machine) { m.metrics = c }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine はWORKING(0)のMachineを生成する。Startを呼ぶまで時間は進まない。
func NewMachine(cfg Config, userID, roomID string, counter Incrementer, onEvent func(Event), opts ...Option) *Machine {
	m := &Machine{
		cfg:     cfg,
		userID:  userID,
		roomID:  roomID,
		counter: counter,
		onEvent: onEvent,
		metrics: metrics.Nop{},
		logger:  slog.Default(),
		now:     time.Now,
		ctx:     context.Background(),
		state:   StateWorking,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start は時計の基準点を現在時刻に置き、interval毎にAdvanceするゴルーチンを開始する。
// intervalが0以下の場合はゴルーチンを起動せず、呼び出し側がAdvanceを呼ぶ。
// ctxの値（プリンシパル）はカウンタへの書き込みに引き継がれる。
func (m *Machine) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx = ctx
	m.anchor = m.now()
	m.emitLocked(true)
	m.mu.Unlock()

	if interval <= 0 {
		close(m.done)
		return
	}
	go m.run(ctx, interval)
}

func (m *Machine) run(ctx context.Context, interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Advance(m.now())
		}
	}
}

// Advance は基準点からnowまでに経過した秒数だけ状態を進め、進めた秒数を返す。
// 1秒未満の端数は次回に持ち越す。
func (m *Machine) Advance(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(now)
}

func (m *Machine) advanceLocked(now time.Time) int {
	if !m.started || m.state == StateStopped {
		return 0
	}
	steps := int(now.Sub(m.anchor) / time.Second)
	if steps <= 0 {
		return 0
	}
	m.anchor = m.anchor.Add(time.Duration(steps) * time.Second)
	for i := 0; i < steps; i++ {
		m.stepLocked()
	}
	return steps
}

// stepLocked は1秒分の状態遷移を行う。
func (m *Machine) stepLocked() {
	switch m.state {
	case StateWorking:
		m.sessionSeconds++
		m.unflushed++
		if m.unflushed >= FlushIntervalSeconds {
			m.flushLocked(FlushIntervalSeconds)
		}
		if m.sessionSeconds >= m.cfg.StudyThresholdSeconds {
			m.rewardTimeLeft = m.cfg.RewardDurationSeconds
			m.transitionLocked(StateReward)
			return
		}
	case StateReward:
		m.rewardTimeLeft--
		if m.rewardTimeLeft <= 0 {
			m.rewardTimeLeft = 0
			m.penaltyTime = 0
			m.transitionLocked(StateOverdue)
			return
		}
	case StateOverdue:
		m.penaltyTime++
		if m.penaltyTime > m.cfg.GraceSeconds && m.cfg.PenaltyPerSecond > 0 {
			m.counter.Increment(m.ctx, repository.ProfileRef(m.userID), repository.FieldTotalFocusSeconds, -m.cfg.PenaltyPerSecond)
			m.metrics.RecordPenaltyPoints(m.cfg.PenaltyPerSecond)
		}
	default:
		return
	}
	m.emitLocked(false)
}

func (m *Machine) flushLocked(seconds int) {
	m.unflushed -= seconds
	m.counter.Increment(m.ctx, repository.ProfileRef(m.userID), repository.FieldTotalFocusSeconds, int64(seconds))
	m.metrics.RecordFocusSecondsFlushed(int64(seconds))
}

func (m *Machine) transitionLocked(to State) {
	from := m.state
	m.state = to
	m.metrics.RecordFocusTransition(string(from), string(to))
	m.logger.Debug("focus state changed",
		slog.String("user_id", m.userID),
		slog.String("room_id", m.roomID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	m.emitLocked(true)
}

func (m *Machine) emitLocked(transition bool) {
	if m.onEvent == nil {
		return
	}
	m.onEvent(m.eventLocked(transition))
}

func (m *Machine) eventLocked(transition bool) Event {
	return Event{
		State:          m.state,
		SessionSeconds: m.sessionSeconds,
		RewardTimeLeft: m.rewardTimeLeft,
		PenaltyTime:    m.penaltyTime,
		Transition:     transition,
	}
}

// Snapshot は現在の状態を返す。
func (m *Machine) Snapshot() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventLocked(false)
}

// EndRewardEarly は休憩を早めに切り上げてWORKING(0)に戻る。REWARD以外ではエラー。
func (m *Machine) EndRewardEarly() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked(m.now())
	if m.state != StateReward {
		return fmt.Errorf("end reward early: %w", model.NewInvalidFocusActionError("end_break", string(m.state)))
	}
	m.sessionSeconds = 0
	m.rewardTimeLeft = 0
	m.transitionLocked(StateWorking)
	return nil
}

// ResumeFromOverdue は超過状態からWORKING(0, 0)に戻る。OVERDUE以外ではエラー。
func (m *Machine) ResumeFromOverdue() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked(m.now())
	if m.state != StateOverdue {
		return fmt.Errorf("resume: %w", model.NewInvalidFocusActionError("resume", string(m.state)))
	}
	m.sessionSeconds = 0
	m.penaltyTime = 0
	m.transitionLocked(StateWorking)
	return nil
}

// Stop はゴルーチンを止め、経過分を反映し、未書き出しの集中秒数を書き出す。
// 戻った時点でそれ以降の書き込みは発生しない。2回目以降の呼び出しは何もしない。
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	started := m.started
	m.mu.Unlock()

	if started {
		m.stopOnce.Do(func() { close(m.stopCh) })
		<-m.done
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.advanceLocked(m.now())
	if m.unflushed > 0 {
		m.flushLocked(m.unflushed)
	}
	m.transitionLocked(StateStopped)
	onStop := m.onStop
	m.mu.Unlock()

	if onStop != nil {
		onStop(m)
	}
}

// UserID は対象の利用者IDを返す。
func (m *Machine) UserID() string { return m.userID }

// RoomID は対象のルームIDを返す。
func (m *Machine) RoomID() string { return m.roomID }
