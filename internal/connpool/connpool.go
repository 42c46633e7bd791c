// Package connpool implements the connection manager: pooled, health-checked,
// load-balanced, failover-capable sessions over a set of endpoints, with one
// circuit breaker per (endpoint, operation-class) pair. The relayer binary
// builds one Manager, over the truth store's endpoint; the cache store and
// chain RPC clients are not routed through it.
//
// Built on infrastructure/resilience's gobreaker-backed CircuitBreaker
// (preserving its Execute(ctx, fn) shape) and infrastructure/fallback's
// primary/fallback retry handler, composed into a multi-endpoint pool
// keyed by priority and load-balancing strategy.
package connpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
	"github.com/R3E-Network/swap-relayer/infrastructure/fallback"
	"github.com/R3E-Network/swap-relayer/infrastructure/logging"
	"github.com/R3E-Network/swap-relayer/infrastructure/resilience"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// LoadBalancing selects how a read request picks among healthy endpoints.
type LoadBalancing string

const (
	RoundRobin       LoadBalancing = "round_robin"
	Weighted         LoadBalancing = "weighted"
	LeastConnections LoadBalancing = "least_connections"
)

// ReadPreference constrains which endpoints may serve a read.
type ReadPreference string

const (
	ReadPrimary   ReadPreference = "primary"
	ReadSecondary ReadPreference = "secondary"
	ReadAny       ReadPreference = "any"
)

// Endpoint describes one member of a pool.
type Endpoint struct {
	Name     string
	Host     string
	Port     int
	Priority int // 1 = primary
	Weight   int
	ReadOnly bool
}

// PoolConfig configures pool-wide acquisition, health, and failover
// behavior shared across every endpoint in the pool.
type PoolConfig struct {
	MinConnections        int
	MaxConnections        int
	AcquireTimeout        time.Duration
	IdleTimeout           time.Duration
	HealthCheckInterval   time.Duration
	HealthCheckTimeout    time.Duration
	MaxConsecutiveFailures int
	FailoverTimeout       time.Duration
	ReconnectDelay        time.Duration
	MaxReconnectAttempts  int
	LoadBalancing         LoadBalancing
	ReadPreference        ReadPreference
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections:         1,
		MaxConnections:         10,
		AcquireTimeout:         5 * time.Second,
		IdleTimeout:            5 * time.Minute,
		HealthCheckInterval:    15 * time.Second,
		HealthCheckTimeout:     3 * time.Second,
		MaxConsecutiveFailures: 3,
		FailoverTimeout:        10 * time.Second,
		ReconnectDelay:         time.Second,
		MaxReconnectAttempts:   5,
		LoadBalancing:          RoundRobin,
		ReadPreference:         ReadPrimary,
	}
}

// Prober is a minimal round-trip health check against one endpoint, e.g. a
// no-op query for the truth store or a ping for a chain RPC endpoint.
type Prober func(ctx context.Context, ep Endpoint) error

// EndpointMetrics is the per-endpoint rollup reported by Stats.
type EndpointMetrics struct {
	Active              int
	Idle                int
	Total               int
	TotalQueries        int64
	AvgResponseTimeMs   float64
	ErrorRate           float64
	LastHealthCheckedAt time.Time
	Healthy             bool
}

type endpointState struct {
	ep                  Endpoint
	healthy             bool
	consecutiveFailures int
	lastHealthCheckedAt time.Time
	active              int
	totalQueries        int64
	avgResponseMs       float64
	errorRate           float64
	breakers            map[string]*resilience.CircuitBreaker
	// restoredOpenUntil holds, per breaker key, the persisted open-window
	// deadline loaded from the store the first time that breaker is used
	// after process start, so a restart cannot silently discard an open
	// circuit.
	restoredOpenUntil map[string]time.Time
}

// Manager owns one pool of endpoints and hands out sessions to callers
// through Execute, transparently retrying on the next healthy endpoint on
// acquisition or execution failure and logging the failover.
type Manager struct {
	name     string
	cfg      PoolConfig
	probe    Prober
	logger   *logging.Logger
	bcfg     resilience.Config
	fallback *fallback.Handler
	// breakerStore persists circuit breaker state so an open window survives
	// a process restart. May be nil, in which case breaker state lives only
	// in memory for the process lifetime.
	breakerStore store.Store

	mu        sync.Mutex
	endpoints []*endpointState
	rrIndex   int
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// ErrNoHealthyEndpoint is returned when no endpoint satisfying the read
// preference is currently healthy.
var ErrNoHealthyEndpoint = svcerrors.New(svcerrors.ErrCodeChainConnection, "no healthy endpoint available", 503)

// New constructs a Manager over the given endpoints. probe is the
// minimal round-trip health check; logger receives failover and
// health-transition events. breakerStore, when non-nil, is where every
// breaker's state is persisted and from where it is restored on first use
// after a restart; pass nil to keep breaker state in-memory only.
func New(name string, endpoints []Endpoint, cfg PoolConfig, probe Prober, breakerCfg resilience.Config, logger *logging.Logger, breakerStore store.Store) *Manager {
	states := make([]*endpointState, 0, len(endpoints))
	for _, ep := range endpoints {
		states = append(states, &endpointState{
			ep:                ep,
			healthy:           true,
			breakers:          make(map[string]*resilience.CircuitBreaker),
			restoredOpenUntil: make(map[string]time.Time),
		})
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	failoverTimeout := cfg.FailoverTimeout
	if failoverTimeout <= 0 {
		failoverTimeout = 10 * time.Second
	}

	return &Manager{
		name:         name,
		cfg:          cfg,
		probe:        probe,
		logger:       logger,
		bcfg:         breakerCfg,
		breakerStore: breakerStore,
		endpoints:    states,
		stopCh:       make(chan struct{}),
		fallback: fallback.NewHandler(fallback.Config{
			MaxAttempts: len(endpoints),
			BaseDelay:   reconnectDelay,
			MaxDelay:    failoverTimeout,
			Multiplier:  2.0,
			Jitter:      0.1,
		}),
	}
}

// Start launches the periodic health-check loop. It is a process-wide
// background task that runs until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		interval := m.cfg.HealthCheckInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

// Stop halts the health-check loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.Lock()
	states := append([]*endpointState(nil), m.endpoints...)
	m.mu.Unlock()

	for _, st := range states {
		m.checkOne(ctx, st)
	}
}

func (m *Manager) checkOne(ctx context.Context, st *endpointState) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.probe(probeCtx, st.ep)

	m.mu.Lock()
	defer m.mu.Unlock()
	st.lastHealthCheckedAt = time.Now()

	if err != nil {
		st.consecutiveFailures++
		wasHealthy := st.healthy
		if st.consecutiveFailures >= m.cfg.MaxConsecutiveFailures {
			st.healthy = false
		}
		if wasHealthy && !st.healthy && m.logger != nil {
			m.logger.WithFields(map[string]interface{}{
				"pool":     m.name,
				"endpoint": st.ep.Name,
				"failures": st.consecutiveFailures,
			}).Warn("endpoint marked unhealthy")
		}
		return
	}

	wasUnhealthy := !st.healthy
	st.consecutiveFailures = 0
	st.healthy = true
	if wasUnhealthy && m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"pool":     m.name,
			"endpoint": st.ep.Name,
		}).Info("endpoint restored to healthy")
	}
}

// breakerFor returns (creating if needed) the circuit breaker for an
// (endpoint, operation-class) pair, reporting whether this call created it.
// Caller must hold m.mu.
func (st *endpointState) breakerFor(key string, cfg resilience.Config) (*resilience.CircuitBreaker, bool) {
	if cb, ok := st.breakers[key]; ok {
		return cb, false
	}
	cb := resilience.New(cfg)
	st.breakers[key] = cb
	return cb, true
}

// breakerKey returns the durable identifier for a (pool, endpoint,
// operation-class) circuit breaker, matching the name circuit_breaker_states
// rows are keyed by.
func breakerKey(poolName, endpoint, opClass string) string {
	return poolName + ":" + endpoint + ":" + opClass
}

// breakerConfigFor builds the resilience.Config used to construct the
// breaker identified by key: it chains any caller-supplied OnStateChange,
// then logs the transition and persists it via breakerStore.
func (m *Manager) breakerConfigFor(key string) resilience.Config {
	cfg := m.bcfg
	userOnChange := cfg.OnStateChange
	cfg.OnStateChange = func(from, to resilience.State) {
		if userOnChange != nil {
			userOnChange(from, to)
		}
		if m.logger != nil {
			m.logger.LogBreakerStateChange(context.Background(), key, from.String(), to.String())
		}
		if m.breakerStore == nil {
			return
		}
		state := &relay.CircuitBreakerState{
			Name:             key,
			State:            breakerStateOf(to),
			FailureThreshold: m.bcfg.MaxFailures,
			LastTransitionAt: time.Now(),
		}
		if to == resilience.StateOpen {
			timeout := m.bcfg.Timeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			state.NextAttempt = time.Now().Add(timeout)
		}
		_ = m.breakerStore.SaveBreakerState(context.Background(), state)
	}
	return cfg
}

// breakerStateOf maps a resilience.State onto its persisted form.
func breakerStateOf(s resilience.State) relay.BreakerState {
	switch s {
	case resilience.StateOpen:
		return relay.BreakerOpen
	case resilience.StateHalfOpen:
		return relay.BreakerHalfOpen
	default:
		return relay.BreakerClosed
	}
}

// seedBreakerState loads a breaker's last persisted state the first time it
// is used after process start. A breaker that was open with an unexpired
// open window is kept rejecting calls until that window elapses, so a
// restart cannot silently discard it.
func (m *Manager) seedBreakerState(ctx context.Context, st *endpointState, key string) {
	if m.breakerStore == nil {
		return
	}
	persisted, err := m.breakerStore.GetBreakerState(ctx, key)
	if err != nil || persisted == nil {
		return
	}
	if persisted.State != relay.BreakerOpen || !persisted.NextAttempt.After(time.Now()) {
		return
	}
	m.mu.Lock()
	st.restoredOpenUntil[key] = persisted.NextAttempt
	m.mu.Unlock()
}

// candidates returns endpoints eligible for the given read preference,
// ordered for the configured load-balancing strategy. Caller must hold m.mu.
func (m *Manager) candidates(write bool, pref ReadPreference) []*endpointState {
	var out []*endpointState
	for _, st := range m.endpoints {
		if !st.healthy {
			continue
		}
		if write && st.ep.ReadOnly {
			continue
		}
		if !write {
			switch pref {
			case ReadPrimary:
				if st.ep.Priority != 1 {
					continue
				}
			case ReadSecondary:
				if st.ep.Priority == 1 {
					continue
				}
			case ReadAny:
			}
		}
		out = append(out, st)
	}

	if write {
		sort.Slice(out, func(i, j int) bool { return out[i].ep.Priority < out[j].ep.Priority })
		return out
	}

	switch m.cfg.LoadBalancing {
	case Weighted:
		sort.SliceStable(out, func(i, j int) bool { return out[i].ep.Weight > out[j].ep.Weight })
	case LeastConnections:
		sort.SliceStable(out, func(i, j int) bool { return out[i].active < out[j].active })
	default: // RoundRobin
		m.rrIndex++
		if len(out) > 0 {
			shift := m.rrIndex % len(out)
			out = append(out[shift:], out[:shift]...)
		}
	}
	return out
}

// Execute acquires an endpoint for the operation class opClass, protected by
// that (endpoint, opClass) circuit breaker, and runs fn against it. On
// acquisition or execution failure it falls through infrastructure/fallback's
// primary/fallback handler onto the next healthy candidate, logging the
// failover, with backoff between attempts, until candidates are exhausted.
func (m *Manager) Execute(ctx context.Context, write bool, opClass string, fn func(ctx context.Context, ep Endpoint) error) error {
	m.mu.Lock()
	candidates := m.candidates(write, m.cfg.ReadPreference)
	m.mu.Unlock()

	if len(candidates) == 0 {
		return ErrNoHealthyEndpoint
	}

	attempts := make([]fallback.Func, len(candidates))
	for idx, st := range candidates {
		attempts[idx] = m.attemptFn(st, opClass, candidates, idx, fn)
	}

	res := m.fallback.Execute(ctx, attempts[0], attempts[1:]...)
	return res.Err
}

// attemptFn builds the fallback.Func for one candidate endpoint: it runs fn
// through that endpoint's (opClass) circuit breaker, updates the endpoint's
// rolling metrics, and logs a failover warning when a later candidate
// remains to try.
func (m *Manager) attemptFn(st *endpointState, opClass string, candidates []*endpointState, idx int, fn func(ctx context.Context, ep Endpoint) error) fallback.Func {
	return func(ctx context.Context) (interface{}, error) {
		key := breakerKey(m.name, st.ep.Name, opClass)

		m.mu.Lock()
		cb, justCreated := st.breakerFor(key, m.breakerConfigFor(key))
		m.mu.Unlock()

		if justCreated {
			m.seedBreakerState(ctx, st, key)
		}

		m.mu.Lock()
		if until, restored := st.restoredOpenUntil[key]; restored {
			if time.Now().Before(until) {
				m.mu.Unlock()
				return nil, resilience.ErrCircuitOpen
			}
			delete(st.restoredOpenUntil, key)
		}
		st.active++
		m.mu.Unlock()

		start := time.Now()
		err := cb.Execute(ctx, func() error { return fn(ctx, st.ep) })
		elapsed := time.Since(start)

		m.mu.Lock()
		st.active--
		st.totalQueries++
		st.avgResponseMs = smooth(st.avgResponseMs, float64(elapsed.Milliseconds()))
		if err != nil {
			st.errorRate = smooth(st.errorRate, 1)
		} else {
			st.errorRate = smooth(st.errorRate, 0)
		}
		m.mu.Unlock()

		if err != nil && idx < len(candidates)-1 && m.logger != nil {
			m.logger.WithFields(map[string]interface{}{
				"pool":            m.name,
				"endpoint":        st.ep.Name,
				"op_class":        opClass,
				"error":           err.Error(),
				"failing_over_to": candidates[idx+1].ep.Name,
			}).Warn("connection manager failing over")
		}
		return nil, err
	}
}

// smooth applies an exponential moving average with a fixed smoothing
// factor, used for the per-endpoint response time and error rate.
func smooth(prev, sample float64) float64 {
	const alpha = 0.2
	if prev == 0 {
		return sample
	}
	return prev*(1-alpha) + sample*alpha
}

// BreakerStates returns the current state of every circuit breaker this pool
// has constructed so far, keyed by the same (pool, endpoint, op-class) name
// breaker state is persisted under. It feeds the per-breaker slice of a
// relay.MetricsSnapshot.
func (m *Manager) BreakerStates() map[string]relay.BreakerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]relay.BreakerHealth)
	for _, st := range m.endpoints {
		for key, cb := range st.breakers {
			out[key] = relay.BreakerHealth{
				State:        breakerStateOf(cb.State()),
				FailureCount: cb.ConsecutiveFailures(),
			}
		}
	}
	return out
}

// Stats returns a per-endpoint metrics snapshot.
func (m *Manager) Stats() map[string]EndpointMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]EndpointMetrics, len(m.endpoints))
	for _, st := range m.endpoints {
		out[st.ep.Name] = EndpointMetrics{
			Active:              st.active,
			Total:               m.cfg.MaxConnections,
			TotalQueries:        st.totalQueries,
			AvgResponseTimeMs:   st.avgResponseMs,
			ErrorRate:           st.errorRate,
			LastHealthCheckedAt: st.lastHealthCheckedAt,
			Healthy:             st.healthy,
		}
	}
	return out
}
