// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// トークンリフレッシュ結果のラベル値。
const (
	RefreshSuccess  = "success"
	RefreshFailure  = "failure"
	RefreshConflict = "conflict"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期サービス、認証サービス、ワーカーから利用する。
type MetricsCollector interface {
	RecordSyncSuccess(calendarID string)
	RecordSyncFailure(calendarID string, kind string)
	RecordEventsUpserted(count int)
	RecordTokenRefresh(result string)
	RecordProviderStatus(statusCode int)
	RecordProviderLatency(operation string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess     prometheus.Counter
	syncFail        *prometheus.CounterVec
	eventsUpserted  prometheus.Counter
	tokenRefresh    *prometheus.CounterVec
	providerStatus  *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calsync_sync_success_total",
			Help: "イベント同期成功の合計数",
		}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_sync_fail_total",
			Help: "エラー種別ごとのイベント同期失敗数",
		}, []string{"kind"}),
		eventsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calsync_events_upserted_total",
			Help: "アップサートされたイベントの合計数",
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_token_refresh_total",
			Help: "結果別のアクセストークンリフレッシュ数",
		}, []string{"result"}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_provider_http_status_total",
			Help: "Google APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calsync_provider_latency_seconds",
			Help:    "Google API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.eventsUpserted,
		c.tokenRefresh,
		c.providerStatus,
		c.providerLatency,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess(calendarID string) {
	c.syncSuccess.Inc()
}

// RecordSyncFailure は同期失敗をエラー種別とともに記録する。
func (c *Collector) RecordSyncFailure(calendarID string, kind string) {
	c.syncFail.WithLabelValues(kind).Inc()
}

// RecordEventsUpserted はアップサートされたイベント数を記録する。
func (c *Collector) RecordEventsUpserted(count int) {
	c.eventsUpserted.Add(float64(count))
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordProviderStatus はGoogle APIが返したHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordProviderLatency はGoogle API呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerプロセスが単独でメトリクスを公開する際に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
