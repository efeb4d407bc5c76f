// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/fitgate/internal/entitlement"
	"github.com/hitoshi/fitgate/internal/launch"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 起動ルーティング、Webhook、ワーカーから利用する。
type MetricsCollector interface {
	launch.Recorder
	entitlement.WebhookRecorder
	RecordReconcile(result string)
	RecordCleanup(target string, deleted int64)
}

var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	decisions        *prometheus.CounterVec
	safetyValve      prometheus.Counter
	profileVerdicts  *prometheus.CounterVec
	profileAttempts  prometheus.Histogram
	entitlementCheck *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	reconciled       *prometheus.CounterVec
	cleanupDeleted   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitgate_launch_decisions_total",
			Help: "起動ルーティングの確定数（遷移先別）",
		}, []string{"route", "forced"}),
		safetyValve: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fitgate_launch_safety_valve_total",
			Help: "安全弁による強制確定の合計数",
		}),
		profileVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitgate_profile_verdicts_total",
			Help: "プロフィール確認の判定数（判定別）",
		}, []string{"verdict"}),
		profileAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fitgate_profile_attempts",
			Help:    "プロフィール確認1回あたりの試行回数",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		}),
		entitlementCheck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitgate_entitlement_checks_total",
			Help: "権限確認の回数（結果の出所別）",
		}, []string{"source"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitgate_webhook_events_total",
			Help: "課金Webhookの受信数（イベント種別・処理結果別）",
		}, []string{"event_type", "outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitgate_entitlement_reconciled_total",
			Help: "期限切れ権限の再照合数（結果別）",
		}, []string{"result"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitgate_cleanup_deleted_total",
			Help: "クリーンアップで削除した行数（対象別）",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.decisions,
		c.safetyValve,
		c.profileVerdicts,
		c.profileAttempts,
		c.entitlementCheck,
		c.webhookEvents,
		c.reconciled,
		c.cleanupDeleted,
	)

	return c
}

// RecordDecision は確定した遷移先を記録する。
func (c *Collector) RecordDecision(route string, forced bool) {
	c.decisions.WithLabelValues(route, strconv.FormatBool(forced)).Inc()
}

// RecordProfileVerdict はプロフィール確認の判定と試行回数を記録する。
func (c *Collector) RecordProfileVerdict(verdict string, attempts int) {
	c.profileVerdicts.WithLabelValues(verdict).Inc()
	c.profileAttempts.Observe(float64(attempts))
}

// RecordEntitlementCheck は権限確認の結果の出所を記録する。
func (c *Collector) RecordEntitlementCheck(source string) {
	c.entitlementCheck.WithLabelValues(source).Inc()
}

// RecordSafetyValve は安全弁の発動を記録する。
func (c *Collector) RecordSafetyValve() {
	c.safetyValve.Inc()
}

// RecordWebhookEvent はWebhookの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordReconcile は再照合ワーカーの1件ごとの結果を記録する。
func (c *Collector) RecordReconcile(result string) {
	c.reconciled.WithLabelValues(result).Inc()
}

// RecordCleanup はクリーンアップで削除した行数を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントのみを提供するHTTPハンドラーを返す。
// ワーカープロセスのスクレイプ用に使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
