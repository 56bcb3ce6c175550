// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・集計リーダー・ワーカーから利用する。
type MetricsCollector interface {
	RecordEventAppended(kind string)
	RecordIncrementDropped(counter string)
	RecordRefetch(reader string, ok bool)
	RecordInvalidation(table string)
	RecordBusOverflow(subscriber string)
	SetActiveUsers(n int)
	RecordLinkCheck(status string)
	RecordHTTPStatus(statusCode int)
	RecordLinkCheckLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	eventsAppended    *prometheus.CounterVec
	incrementsDropped *prometheus.CounterVec
	refetches         *prometheus.CounterVec
	invalidations     *prometheus.CounterVec
	busOverflows      *prometheus.CounterVec
	activeUsers       prometheus.Gauge
	linkChecks        *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	linkCheckLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_events_appended_total",
			Help: "イベントログに追加されたイベント数",
		}, []string{"kind"}),
		incrementsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_increments_dropped_total",
			Help: "デバウンス・スロットルで破棄された操作数",
		}, []string{"counter"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_reader_refetch_total",
			Help: "集計リーダーの再取得回数",
		}, []string{"reader", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_invalidations_total",
			Help: "受信した変更通知の数",
		}, []string{"table"}),
		busOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_bus_overflows_total",
			Help: "キューがあふれて再同期に置き換えられた回数",
		}, []string{"subscriber"}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "internboard_active_users",
			Help: "現在オンラインのユーザー数",
		}),
		linkChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_link_checks_total",
			Help: "応募先リンクの死活チェック結果",
		}, []string{"status"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internboard_link_check_http_status_total",
			Help: "死活チェックのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		linkCheckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "internboard_link_check_latency_seconds",
			Help:    "死活チェックのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.eventsAppended,
		c.incrementsDropped,
		c.refetches,
		c.invalidations,
		c.busOverflows,
		c.activeUsers,
		c.linkChecks,
		c.httpStatus,
		c.linkCheckLatency,
	)

	return c
}

// RecordEventAppended はイベントログへの追加を記録する。
func (c *Collector) RecordEventAppended(kind string) {
	c.eventsAppended.WithLabelValues(kind).Inc()
}

// RecordIncrementDropped はデバウンス等で破棄された操作を記録する。
func (c *Collector) RecordIncrementDropped(counter string) {
	c.incrementsDropped.WithLabelValues(counter).Inc()
}

// RecordRefetch は集計リーダーの再取得を記録する。
func (c *Collector) RecordRefetch(reader string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.refetches.WithLabelValues(reader, result).Inc()
}

// RecordInvalidation は変更通知の受信を記録する。
func (c *Collector) RecordInvalidation(table string) {
	c.invalidations.WithLabelValues(table).Inc()
}

// RecordBusOverflow は購読者のキューあふれを記録する。
func (c *Collector) RecordBusOverflow(subscriber string) {
	c.busOverflows.WithLabelValues(subscriber).Inc()
}

// SetActiveUsers はオンラインユーザー数を設定する。
func (c *Collector) SetActiveUsers(n int) {
	c.activeUsers.Set(float64(n))
}

// RecordLinkCheck は死活チェックの判定結果を記録する。
func (c *Collector) RecordLinkCheck(status string) {
	c.linkChecks.WithLabelValues(status).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordLinkCheckLatency は死活チェックのレイテンシを記録する。
func (c *Collector) RecordLinkCheckLatency(duration time.Duration) {
	c.linkCheckLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordEventAppended(string)           {}
func (Nop) RecordIncrementDropped(string)        {}
func (Nop) RecordRefetch(string, bool)           {}
func (Nop) RecordInvalidation(string)            {}
func (Nop) RecordBusOverflow(string)             {}
func (Nop) SetActiveUsers(int)                   {}
func (Nop) RecordLinkCheck(string)               {}
func (Nop) RecordHTTPStatus(int)                 {}
func (Nop) RecordLinkCheckLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
