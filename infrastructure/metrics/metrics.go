// Package metrics provides Prometheus metrics collection for the relayer.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics holds all Prometheus collectors backing a MetricsSnapshot.
type Metrics struct {
	// Relay lifecycle
	RelaysByStatus   *prometheus.GaugeVec
	RelayTransitions *prometheus.CounterVec

	// Attempts
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec

	// Chain state
	ChainSyncLag    *prometheus.GaugeVec
	ChainErrorTotal *prometheus.CounterVec

	// Connection manager / circuit breakers
	CircuitBreakerState *prometheus.GaugeVec

	// Store
	CacheHitTotal  *prometheus.CounterVec
	CacheMissTotal *prometheus.CounterVec

	// System health
	SystemCPUPercent prometheus.Gauge
	SystemMemPercent prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelaysByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_relays_by_status",
				Help: "Current count of relays in each status",
			},
			[]string{"status"},
		),
		RelayTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transitions_total",
				Help: "Total number of relay state transitions",
			},
			[]string{"from_status", "to_status"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_attempts_total",
				Help: "Total number of relay attempts by action and outcome",
			},
			[]string{"action", "status"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_attempt_duration_seconds",
				Help:    "Relay attempt duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"action"},
		),
		ChainSyncLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_chain_sync_lag_blocks",
				Help: "Blocks between chain head and last processed block",
			},
			[]string{"chain_id"},
		),
		ChainErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_chain_errors_total",
				Help: "Total chain observation errors",
			},
			[]string{"chain_id"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CacheHitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cache_hits_total",
				Help: "Total cache-store hits by entity class",
			},
			[]string{"entity"},
		),
		CacheMissTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cache_misses_total",
				Help: "Total cache-store misses by entity class",
			},
			[]string{"entity"},
		),
		SystemCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_system_cpu_percent",
				Help: "Host CPU utilization percent, sampled via gopsutil",
			},
		),
		SystemMemPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_system_mem_percent",
				Help: "Host memory utilization percent, sampled via gopsutil",
			},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_service_info",
				Help: "Service build information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RelaysByStatus,
			m.RelayTransitions,
			m.AttemptsTotal,
			m.AttemptDuration,
			m.ChainSyncLag,
			m.ChainErrorTotal,
			m.CircuitBreakerState,
			m.CacheHitTotal,
			m.CacheMissTotal,
			m.SystemCPUPercent,
			m.SystemMemPercent,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordTransition records a relay moving from one status to another.
func (m *Metrics) RecordTransition(from, to string) {
	m.RelayTransitions.WithLabelValues(from, to).Inc()
}

// SetRelaysByStatus sets the current gauge for a given status.
func (m *Metrics) SetRelaysByStatus(status string, count int) {
	m.RelaysByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordAttempt records a relay attempt outcome and its duration.
func (m *Metrics) RecordAttempt(action, status string, duration time.Duration) {
	m.AttemptsTotal.WithLabelValues(action, status).Inc()
	m.AttemptDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetChainSyncLag records how many blocks behind the observed chain head a
// chain's last processed block is.
func (m *Metrics) SetChainSyncLag(chainID string, lag int64) {
	m.ChainSyncLag.WithLabelValues(chainID).Set(float64(lag))
}

// RecordChainError increments the chain observation error counter.
func (m *Metrics) RecordChainError(chainID string) {
	m.ChainErrorTotal.WithLabelValues(chainID).Inc()
}

// SetCircuitBreakerState records a breaker's numeric state (0/1/2).
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCacheHit increments the cache hit counter for an entity class.
func (m *Metrics) RecordCacheHit(entity string) {
	m.CacheHitTotal.WithLabelValues(entity).Inc()
}

// RecordCacheMiss increments the cache miss counter for an entity class.
func (m *Metrics) RecordCacheMiss(entity string) {
	m.CacheMissTotal.WithLabelValues(entity).Inc()
}

// SampleSystemLoad refreshes the CPU/memory gauges using gopsutil. It is
// cheap enough to call on the connection manager's health-check interval.
func (m *Metrics) SampleSystemLoad() error {
	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		m.SystemCPUPercent.Set(percents[0])
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return err
	}
	m.SystemMemPercent.Set(vm.UsedPercent)
	return nil
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYER_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("swap-relayer")
	}
	return globalMetrics
}
