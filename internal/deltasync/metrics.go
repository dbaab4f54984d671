package deltasync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace     = "claimsync"
	attemptResultSuccess = "success"
	attemptResultFailure = "failure"
	labelModelType       = "model_type"
	labelAttemptResult   = "result"
)

// Metrics exposes sync counters and gauges to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	unsynced     *prometheus.GaugeVec
	runDuration  prometheus.Histogram
	lastSyncedAt prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with the registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delta_attempts_total",
			Help:      "Delta replay attempts by model type and result.",
		}, []string{labelModelType, labelAttemptResult}),
		unsynced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "unsynced_deltas",
			Help:      "Pending deltas by model type.",
		}, []string{labelModelType}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Duration of complete sync runs across all model types.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastSyncedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_synced_timestamp_seconds",
			Help:      "Unix time of the last successful delta replay.",
		}),
	}
	if registerer == nil {
		return metrics, nil
	}
	collectors := []prometheus.Collector{metrics.attempts, metrics.unsynced, metrics.runDuration, metrics.lastSyncedAt}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (metrics *Metrics) observeAttempt(modelType ModelType, err error) {
	if metrics == nil {
		return
	}
	result := attemptResultSuccess
	if err != nil {
		result = attemptResultFailure
	}
	metrics.attempts.WithLabelValues(modelType.String(), result).Inc()
}

func (metrics *Metrics) observeState(state State) {
	if metrics == nil {
		return
	}
	for _, modelType := range SyncOrder {
		count := state.deltas.CountByModelType(modelType, true)
		metrics.unsynced.WithLabelValues(modelType.String()).Set(float64(count))
	}
	if lastSyncedAt, ok := state.LastSyncedAt(); ok {
		metrics.lastSyncedAt.Set(float64(lastSyncedAt.Unix()))
	}
}

func (metrics *Metrics) observeRun(duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.runDuration.Observe(duration.Seconds())
}
