// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配信ティックの結果ラベル。
const (
	TickResultOK      = "ok"
	TickResultError   = "error"
	TickResultSkipped = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スケジューラ、提供元クライアント、メンテナンスジョブから利用する。
type MetricsCollector interface {
	RecordTick(result string, duration time.Duration)
	RecordDelivery(status string)
	RecordDuplicateSkipped()
	RecordUnresolvedChannel()
	SetSubscriptions(count int)
	RecordProviderResponse(backend string, statusCode int, duration time.Duration)
	RecordCacheCleanup(deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ticks              *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	deliveries         *prometheus.CounterVec
	duplicates         prometheus.Counter
	unresolvedChannels prometheus.Counter
	subscriptions      prometheus.Gauge
	providerStatus     *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	cacheCleaned       prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetsync_ticks_total",
			Help: "結果別の配信ティック数",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tweetsync_tick_duration_seconds",
			Help:    "配信ティックの所要時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetsync_deliveries_total",
			Help: "結果別の配信数",
		}, []string{"status"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetsync_duplicates_skipped_total",
			Help: "配信済みのためスキップした投稿数",
		}),
		unresolvedChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetsync_unresolved_channels_total",
			Help: "解決できずスキップした配信先チャンネル数",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tweetsync_subscriptions",
			Help: "直近のティックで読み込んだ購読数",
		}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetsync_provider_responses_total",
			Help: "バックエンドとHTTPステータスコード別の提供元レスポンス数",
		}, []string{"backend", "status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tweetsync_provider_latency_seconds",
			Help:    "提供元リクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		cacheCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetsync_cache_entries_pruned_total",
			Help: "保持期間を過ぎて削除した配信済みキャッシュの件数",
		}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.deliveries,
		c.duplicates,
		c.unresolvedChannels,
		c.subscriptions,
		c.providerStatus,
		c.providerLatency,
		c.cacheCleaned,
	)

	return c
}

// RecordTick はティックの結果と所要時間を記録する。
// スキップされたティックの所要時間はヒストグラムに含めない。
func (c *Collector) RecordTick(result string, duration time.Duration) {
	c.ticks.WithLabelValues(result).Inc()
	if result != TickResultSkipped {
		c.tickDuration.Observe(duration.Seconds())
	}
}

// RecordDelivery は配信結果を記録する。
func (c *Collector) RecordDelivery(status string) {
	c.deliveries.WithLabelValues(status).Inc()
}

// RecordDuplicateSkipped は配信済みスキップを記録する。
func (c *Collector) RecordDuplicateSkipped() {
	c.duplicates.Inc()
}

// RecordUnresolvedChannel は解決できなかった配信先を記録する。
func (c *Collector) RecordUnresolvedChannel() {
	c.unresolvedChannels.Inc()
}

// SetSubscriptions は購読数を設定する。
func (c *Collector) SetSubscriptions(count int) {
	c.subscriptions.Set(float64(count))
}

// RecordProviderResponse は提供元のレスポンスを記録する。
// statusCodeが0の場合は"error"ラベルで記録する。
func (c *Collector) RecordProviderResponse(backend string, statusCode int, duration time.Duration) {
	label := "error"
	if statusCode > 0 {
		label = strconv.Itoa(statusCode)
	}
	c.providerStatus.WithLabelValues(backend, label).Inc()
	c.providerLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordCacheCleanup は削除したキャッシュ件数を記録する。
func (c *Collector) RecordCacheCleanup(deleted int64) {
	c.cacheCleaned.Add(float64(deleted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
