package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	LookupResultHit     = "hit"
	LookupResultMiss    = "miss"
	LookupResultStale   = "stale"
	LookupResultCorrupt = "corrupt"
)

const (
	RemoteOutcomeAllowed     = "allowed"
	RemoteOutcomeDenied      = "denied"
	RemoteOutcomeUnavailable = "unavailable"
	RemoteOutcomeMalformed   = "malformed"
)

const (
	PollResultNoDrift = "no_drift"
	PollResultDrift   = "drift"
	PollResultError   = "error"
)

const (
	SyncResultOK     = "ok"
	SyncResultFailed = "failed"
)

// EntitlementMetrics captures the health of the entitlement cache, the
// reconciliation pollers and forced syncs.
type EntitlementMetrics struct {
	cacheLookups  *prometheus.CounterVec
	overrides     *prometheus.CounterVec
	remoteChecks  *prometheus.CounterVec
	fetchDuration prometheus.Observer
	invalidations *prometheus.CounterVec
	pollTicks     *prometheus.CounterVec
	driftSignals  *prometheus.CounterVec
	activePollers prometheus.Gauge
	syncRuns      *prometheus.CounterVec
	syncJoined    prometheus.Counter
}

var (
	entitlementMetricsOnce sync.Once
	entitlementMetrics     *EntitlementMetrics
)

// Entitlement returns the singleton entitlement metrics registry.
func Entitlement() *EntitlementMetrics {
	return EntitlementWithConfig(Config{})
}

// EntitlementWithConfig returns the singleton using config labels.
func EntitlementWithConfig(cfg Config) *EntitlementMetrics {
	entitlementMetricsOnce.Do(func() {
		entitlementMetrics = newEntitlementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return entitlementMetrics
}

// ResetEntitlementMetricsForTest resets the singleton for tests.
func ResetEntitlementMetricsForTest() {
	entitlementMetricsOnce = sync.Once{}
	entitlementMetrics = nil
}

// NewEntitlementMetricsForRegistry builds an unshared instance on registerer.
func NewEntitlementMetricsForRegistry(registerer prometheus.Registerer) *EntitlementMetrics {
	return newEntitlementMetrics(registerer, Config{ServiceName: "speechgate", Environment: "test"})
}

func newEntitlementMetrics(registerer prometheus.Registerer, cfg Config) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "speechgate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_entitlement_cache_lookups_total",
		Help:        "Entitlement cache reads by result.",
		ConstLabels: constLabels,
	}, []string{"limit_kind", "result"})
	overrides := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_entitlement_overrides_total",
		Help:        "Cached permissive decisions overridden by an expired or inactive subscription.",
		ConstLabels: constLabels,
	}, []string{"limit_kind"})
	remoteChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_ledger_permission_checks_total",
		Help:        "Remote permission checks by outcome.",
		ConstLabels: constLabels,
	}, []string{"limit_kind", "outcome"})
	fetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "speechgate_entitlement_fetch_duration_seconds",
		Help:        "Latency of a full entitlement evaluation on cache miss.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_entitlement_invalidations_total",
		Help:        "Entitlement cache invalidations by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	pollTicks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_reconcile_poll_ticks_total",
		Help:        "Reconciliation poll ticks by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	driftSignals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_reconcile_drift_signals_total",
		Help:        "Drift signals raised by reconciliation polls.",
		ConstLabels: constLabels,
	}, []string{"signal"})
	activePollers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "speechgate_reconcile_active_pollers",
		Help:        "Signed-in sessions with a running reconciliation poller.",
		ConstLabels: constLabels,
	})
	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "speechgate_sync_runs_total",
		Help:        "Forced sync cycles by trigger and result.",
		ConstLabels: constLabels,
	}, []string{"trigger", "result"})
	syncJoined := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "speechgate_sync_joined_total",
		Help:        "Sync requests that joined an in-flight sync instead of starting one.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		cacheLookups,
		overrides,
		remoteChecks,
		fetchDuration,
		invalidations,
		pollTicks,
		driftSignals,
		activePollers,
		syncRuns,
		syncJoined,
	)

	return &EntitlementMetrics{
		cacheLookups:  cacheLookups,
		overrides:     overrides,
		remoteChecks:  remoteChecks,
		fetchDuration: fetchDuration,
		invalidations: invalidations,
		pollTicks:     pollTicks,
		driftSignals:  driftSignals,
		activePollers: activePollers,
		syncRuns:      syncRuns,
		syncJoined:    syncJoined,
	}
}

func (m *EntitlementMetrics) IncCacheLookup(limitKind, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(limitKind, result).Inc()
}

func (m *EntitlementMetrics) IncOverride(limitKind string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(limitKind).Inc()
}

func (m *EntitlementMetrics) IncRemoteCheck(limitKind, outcome string) {
	if m == nil {
		return
	}
	m.remoteChecks.WithLabelValues(limitKind, outcome).Inc()
}

func (m *EntitlementMetrics) ObserveFetch(duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(max(duration, 0).Seconds())
}

func (m *EntitlementMetrics) IncInvalidation(reason string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(reason).Inc()
}

func (m *EntitlementMetrics) IncPollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

func (m *EntitlementMetrics) IncDriftSignal(signal string) {
	if m == nil {
		return
	}
	m.driftSignals.WithLabelValues(signal).Inc()
}

func (m *EntitlementMetrics) AddActivePollers(delta float64) {
	if m == nil {
		return
	}
	m.activePollers.Add(delta)
}

func (m *EntitlementMetrics) IncSyncRun(trigger, result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(trigger, result).Inc()
}

func (m *EntitlementMetrics) IncSyncJoined() {
	if m == nil {
		return
	}
	m.syncJoined.Inc()
}
