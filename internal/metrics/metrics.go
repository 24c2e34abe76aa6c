// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 購読管理、集中ステートマシン、プレゼンス、スイーパー、HTTP層から利用する。
type MetricsCollector interface {
	RecordSubscriptionOpened()
	RecordSubscriptionClosed()
	RecordPermissionError()
	RecordWriteFailure(operation string)
	RecordFocusTransition(from, to string)
	RecordFocusSecondsFlushed(seconds int64)
	RecordPenaltyPoints(points int64)
	RecordPresenceKick()
	RecordSweepDeleted(kind string, count int)
	RecordHTTPStatus(statusCode int)
	RecordConnectionOpened()
	RecordConnectionClosed()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	subscriptionsActive prometheus.Gauge
	subscriptionsOpened prometheus.Counter
	permissionErrors    prometheus.Counter
	writeFailures       *prometheus.CounterVec
	focusTransitions    *prometheus.CounterVec
	focusSecondsFlushed prometheus.Counter
	penaltyPoints       prometheus.Counter
	presenceKicks       prometheus.Counter
	sweepDeleted        *prometheus.CounterVec
	httpStatus          *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studyroom_subscriptions_active",
			Help: "現在開いているストア購読の数",
		}),
		subscriptionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_subscriptions_opened_total",
			Help: "開いたストア購読の合計数",
		}),
		permissionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_permission_errors_total",
			Help: "アクセス規則で拒否された読み取りの合計数",
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_write_failures_total",
			Help: "非同期書き込み失敗の操作別合計数",
		}, []string{"operation"}),
		focusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_focus_transitions_total",
			Help: "集中ステートマシンの状態遷移数",
		}, []string{"from", "to"}),
		focusSecondsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_focus_seconds_flushed_total",
			Help: "累計集中秒数へ加算した秒数の合計",
		}),
		penaltyPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_penalty_points_total",
			Help: "超過ペナルティで減算した秒数の合計",
		}),
		presenceKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_presence_kicks_total",
			Help: "自分のメンバー記録が削除されて退室した回数",
		}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_sweep_deleted_total",
			Help: "スイーパーが削除したドキュメント数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studyroom_ws_connections_active",
			Help: "接続中のWebSocket数",
		}),
	}

	reg.MustRegister(
		c.subscriptionsActive,
		c.subscriptionsOpened,
		c.permissionErrors,
		c.writeFailures,
		c.focusTransitions,
		c.focusSecondsFlushed,
		c.penaltyPoints,
		c.presenceKicks,
		c.sweepDeleted,
		c.httpStatus,
		c.connectionsActive,
	)

	return c
}

// RecordSubscriptionOpened は購読の開始を記録する。
func (c *Collector) RecordSubscriptionOpened() {
	c.subscriptionsOpened.Inc()
	c.subscriptionsActive.Inc()
}

// RecordSubscriptionClosed は購読の解除を記録する。
func (c *Collector) RecordSubscriptionClosed() {
	c.subscriptionsActive.Dec()
}

// RecordPermissionError は拒否された読み取りを記録する。
func (c *Collector) RecordPermissionError() {
	c.permissionErrors.Inc()
}

// RecordWriteFailure は書き込み失敗を記録する。
func (c *Collector) RecordWriteFailure(operation string) {
	c.writeFailures.WithLabelValues(operation).Inc()
}

// RecordFocusTransition は状態遷移を記録する。
func (c *Collector) RecordFocusTransition(from, to string) {
	c.focusTransitions.WithLabelValues(from, to).Inc()
}

// RecordFocusSecondsFlushed は累計集中秒数への加算を記録する。
func (c *Collector) RecordFocusSecondsFlushed(seconds int64) {
	c.focusSecondsFlushed.Add(float64(seconds))
}

// RecordPenaltyPoints はペナルティ減算を記録する。
func (c *Collector) RecordPenaltyPoints(points int64) {
	c.penaltyPoints.Add(float64(points))
}

// RecordPresenceKick はキックによる退室を記録する。
func (c *Collector) RecordPresenceKick() {
	c.presenceKicks.Inc()
}

// RecordSweepDeleted はスイーパーの削除件数を記録する。
func (c *Collector) RecordSweepDeleted(kind string, count int) {
	c.sweepDeleted.WithLabelValues(kind).Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordConnectionOpened はWebSocket接続の開始を記録する。
func (c *Collector) RecordConnectionOpened() {
	c.connectionsActive.Inc()
}

// RecordConnectionClosed はWebSocket接続の終了を記録する。
func (c *Collector) RecordConnectionClosed() {
	c.connectionsActive.Dec()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSubscriptionOpened()            {}
func (Nop) RecordSubscriptionClosed()            {}
func (Nop) RecordPermissionError()               {}
func (Nop) RecordWriteFailure(string)            {}
func (Nop) RecordFocusTransition(string, string) {}
func (Nop) RecordFocusSecondsFlushed(int64)      {}
func (Nop) RecordPenaltyPoints(int64)            {}
func (Nop) RecordPresenceKick()                  {}
func (Nop) RecordSweepDeleted(string, int)       {}
func (Nop) RecordHTTPStatus(int)                 {}
func (Nop) RecordConnectionOpened()              {}
func (Nop) RecordConnectionClosed()              {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
