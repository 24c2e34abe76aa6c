package focus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyroom/internal/metrics"
)

// TickInterval はMachineが時計を確認する間隔。経過秒数は時計の差分から求める。
const TickInterval = time.Second

// Service は利用者ごとに高々1つのMachineを動かす。
// 同じ利用者が別の接続から開始した場合、前のMachineを止めてから新しいMachineを開始する。
type Service struct {
	cfg      Config
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	startMu  sync.Mutex
	mu       sync.Mutex
	machines map[string]*Machine
}

// ServiceOption はServiceの設定を変更する。
type ServiceOption func(*Service)

// WithServiceClock はMachineに渡す時計と確認間隔を差し替える。
// intervalが0以下の場合、Machineは自動で進まない。
func WithServiceClock(now func() time.Time, interval time.Duration) ServiceOption {
	return func(s *Service) {
		s.now = now
		s.interval = interval
	}
}

// WithServiceMetrics はメトリクス収集先を設定する。
func WithServiceMetrics(c metrics.MetricsCollector) ServiceOption {
	return func(s *Service) { s.metrics = c }
}

// NewService はServiceを生成する。
func NewService(cfg Config, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		metrics:  metrics.Nop{},
		logger:   logger,
		now:      time.Now,
		interval: TickInterval,
		machines: make(map[string]*Machine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config は現在の時間設定を返す。
func (s *Service) Config() Config { return s.cfg }

// Start は利用者のMachineを開始する。既存のMachineがあれば先に止める。
func (s *Service) Start(ctx context.Context, userID, roomID string, counter Incrementer, onEvent func(Event)) *Machine {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	prev := s.machines[userID]
	s.mu.Unlock()
	if prev != nil {
		s.logger.Info("stopping previous focus machine",
			slog.String("user_id", userID),
			slog.String("room_id", prev.RoomID()),
		)
		prev.Stop()
	}

	m := NewMachine(s.cfg, userID, roomID, counter, onEvent,
		WithClock(s.now),
		WithMetrics(s.metrics),
		WithLogger(s.logger),
	)
	m.onStop = s.forget

	s.mu.Lock()
	s.machines[userID] = m
	s.mu.Unlock()

	m.Start(ctx, s.interval)
	return m
}

// Active は利用者の動作中のMachineを返す。
func (s *Service) Active(userID string) (*Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[userID]
	return m, ok
}

// StopAll は全Machineを止める。シャットダウン時に使う。
func (s *Service) StopAll() {
	s.mu.Lock()
	all := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		all = append(all, m)
	}
	s.mu.Unlock()
	for _, m := range all {
		m.Stop()
	}
}

func (s *Service) forget(m *Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machines[m.UserID()] == m {
		delete(s.machines, m.UserID())
	}
}
