package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EvaluatorModeLive      = "live"
	EvaluatorModeFromCache = "from_cache"
)

// EvaluatorMetrics captures entitlement evaluator health signals.
type EvaluatorMetrics struct {
	verifyRequests  *prometheus.CounterVec
	verifyDenied    *prometheus.CounterVec
	verifyDuration  *prometheus.HistogramVec
	usageReported   *prometheus.CounterVec
	idempotentHits  prometheus.Counter
	stateCacheHits  *prometheus.CounterVec
	grantExhausted  prometheus.Counter
	reconcileResets prometheus.Counter
}

var (
	evaluatorMetricsOnce sync.Once
	evaluatorMetrics     *EvaluatorMetrics
)

// Evaluator returns the singleton evaluator metrics registry.
func Evaluator() *EvaluatorMetrics {
	return EvaluatorWithConfig(Config{})
}

// EvaluatorWithConfig returns the singleton evaluator metrics registry using config labels.
func EvaluatorWithConfig(cfg Config) *EvaluatorMetrics {
	evaluatorMetricsOnce.Do(func() {
		evaluatorMetrics = newEvaluatorMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return evaluatorMetrics
}

// EvaluatorForTest installs a fresh metrics instance on the given registerer.
func EvaluatorForTest(registerer prometheus.Registerer) *EvaluatorMetrics {
	ResetEvaluatorMetricsForTest()
	evaluatorMetricsOnce.Do(func() {
		evaluatorMetrics = newEvaluatorMetrics(registerer, Config{})
	})
	return evaluatorMetrics
}

// ResetEvaluatorMetricsForTest resets the evaluator metrics singleton for tests.
func ResetEvaluatorMetricsForTest() {
	evaluatorMetricsOnce = sync.Once{}
	evaluatorMetrics = nil
}

func newEvaluatorMetrics(registerer prometheus.Registerer, cfg Config) *EvaluatorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "meterbill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	verifyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_verify_total",
		Help:        "Entitlement verify requests by evaluation mode.",
		ConstLabels: constLabels,
	}, []string{"mode"})
	verifyDenied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_denied_total",
		Help:        "Entitlement verify denials by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	verifyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "meterbill_entitlement_verify_duration_seconds",
		Help:        "Entitlement verify latency. Hot path for metered API calls.",
		Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		ConstLabels: constLabels,
	}, []string{"mode"})
	usageReported := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_usage_reported_total",
		Help:        "Usage units reported against entitlements by feature type.",
		ConstLabels: constLabels,
	}, []string{"feature_type"})
	idempotentHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_idempotent_replays_total",
		Help:        "Usage reports short-circuited by the idempotency cache.",
		ConstLabels: constLabels,
	})
	stateCacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_state_cache_total",
		Help:        "Entitlement state cache lookups by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	grantExhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_grant_exhausted_total",
		Help:        "Grants fully consumed during waterfall evaluation.",
		ConstLabels: constLabels,
	})
	reconcileResets := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "meterbill_entitlement_reconcile_resets_total",
		Help:        "Entitlement balances reset on period rollover during reconcile.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		verifyRequests,
		verifyDenied,
		verifyDuration,
		usageReported,
		idempotentHits,
		stateCacheHits,
		grantExhausted,
		reconcileResets,
	)

	return &EvaluatorMetrics{
		verifyRequests:  verifyRequests,
		verifyDenied:    verifyDenied,
		verifyDuration:  verifyDuration,
		usageReported:   usageReported,
		idempotentHits:  idempotentHits,
		stateCacheHits:  stateCacheHits,
		grantExhausted:  grantExhausted,
		reconcileResets: reconcileResets,
	}
}

// IncVerify increments the verify counter for the evaluation mode.
func (m *EvaluatorMetrics) IncVerify(mode string) {
	if m == nil || m.verifyRequests == nil {
		return
	}
	m.verifyRequests.WithLabelValues(mode).Inc()
}

// IncDenied increments the denial counter for the given reason.
func (m *EvaluatorMetrics) IncDenied(reason string) {
	if m == nil || m.verifyDenied == nil {
		return
	}
	m.verifyDenied.WithLabelValues(reason).Inc()
}

// ObserveVerifyDuration records verify latency for the evaluation mode.
func (m *EvaluatorMetrics) ObserveVerifyDuration(mode string, duration time.Duration) {
	if m == nil || m.verifyDuration == nil {
		return
	}
	m.verifyDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// AddUsageReported adds reported usage units for the feature type.
func (m *EvaluatorMetrics) AddUsageReported(featureType string, units float64) {
	if m == nil || m.usageReported == nil || units <= 0 {
		return
	}
	m.usageReported.WithLabelValues(featureType).Add(units)
}

// IncIdempotentReplay counts a usage report absorbed by the idempotency cache.
func (m *EvaluatorMetrics) IncIdempotentReplay() {
	if m == nil || m.idempotentHits == nil {
		return
	}
	m.idempotentHits.Inc()
}

// IncStateCache counts a state cache lookup with outcome hit or miss.
func (m *EvaluatorMetrics) IncStateCache(outcome string) {
	if m == nil || m.stateCacheHits == nil {
		return
	}
	m.stateCacheHits.WithLabelValues(outcome).Inc()
}

// IncGrantExhausted counts a grant fully consumed by the waterfall.
func (m *EvaluatorMetrics) IncGrantExhausted() {
	if m == nil || m.grantExhausted == nil {
		return
	}
	m.grantExhausted.Inc()
}

// IncReconcileReset counts a balance reset applied on period rollover.
func (m *EvaluatorMetrics) IncReconcileReset() {
	if m == nil || m.reconcileResets == nil {
		return
	}
	m.reconcileResets.Inc()
}
