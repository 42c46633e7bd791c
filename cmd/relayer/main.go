// Command relayer wires the job store, connection manager, throttled
// executor, and relay state engine into a running process: it parses
// flags, loads configuration, assembles every component, then serves
// until an interrupt signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	"github.com/R3E-Network/swap-relayer/infrastructure/cache"
	"github.com/R3E-Network/swap-relayer/infrastructure/logging"
	"github.com/R3E-Network/swap-relayer/infrastructure/metrics"
	"github.com/R3E-Network/swap-relayer/infrastructure/resilience"
	"github.com/R3E-Network/swap-relayer/internal/archive"
	"github.com/R3E-Network/swap-relayer/internal/chain"
	"github.com/R3E-Network/swap-relayer/internal/connpool"
	"github.com/R3E-Network/swap-relayer/internal/engine"
	"github.com/R3E-Network/swap-relayer/internal/executor"
	"github.com/R3E-Network/swap-relayer/internal/migrate"
	"github.com/R3E-Network/swap-relayer/internal/store"
	cachestore "github.com/R3E-Network/swap-relayer/internal/store/cache"
	"github.com/R3E-Network/swap-relayer/internal/store/hybrid"
	"github.com/R3E-Network/swap-relayer/internal/store/truth"
	"github.com/R3E-Network/swap-relayer/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration overlay")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	if trimmed := *configPath; trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("swap-relayer", cfg.Logging.Level, cfg.Logging.Format)
	logger.WithFields(map[string]interface{}{"mode": string(cfg.Mode)}).Info("starting relayer")

	var m *metrics.Metrics
	if cfg.Features.MonitoringEnabled {
		m = metrics.Init("swap-relayer")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("metrics server stopped")
			}
		}()
	}

	bgCtx := context.Background()

	st, truthPool, cleanup, err := buildStore(bgCtx, cfg, logger)
	if err != nil {
		logger.WithFields(map[string]interface{}{"error": err.Error()}).Fatal("build store")
	}
	defer cleanup()

	engCfg := engine.Config{
		WorkerPoolSize:      cfg.Lease.WorkerPoolSize,
		LeaseTTL:            time.Duration(cfg.Lease.TTLSeconds) * time.Second,
		HeartbeatInterval:   time.Duration(cfg.Lease.HeartbeatIntervalSec) * time.Second,
		ReconcileInterval:   time.Duration(cfg.Lease.ReconcileIntervalSec) * time.Second,
		RefundBuffer:        5 * time.Minute,
		MaxRetriesPerAction: cfg.Retry.MaxAttempts,
		BackoffBase:         time.Duration(cfg.Retry.InitialDelayMillis) * time.Millisecond,
		BackoffMultiplier:   cfg.Retry.Multiplier,
		BackoffMaxDelay:     time.Duration(cfg.Retry.MaxDelayMillis) * time.Millisecond,
		ActionTimeout:       30 * time.Second,
	}

	exec := executor.New(executor.Config{
		MaxConcurrent:     cfg.Throttle.MaxConcurrent,
		QueueLimit:        cfg.Throttle.QueueLimit,
		DefaultDelay:      time.Duration(cfg.Throttle.DefaultDelayMillis) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Throttle.MaxDelayMillis) * time.Millisecond,
		BackoffMultiplier: cfg.Throttle.BackoffMultiplier,
		EnableAdaptive:    cfg.Throttle.EnableAdaptive,
	})

	// No concrete chain signer is in scope: the registry starts empty and is
	// populated by whichever binary links real chain clients against this
	// module. An empty registry still exercises the engine's
	// no-client-for-chain failure path.
	chains := chain.MapRegistry{}

	var sink chain.MetricsSink = chain.NoopSink{}
	if m != nil {
		sink = metricsSink{m: m}
	}

	eng := engine.New(engCfg, st, chains, exec, sink, logger)

	ctx, cancel := context.WithCancel(bgCtx)
	eng.Start(ctx)

	var archiver *archive.Scheduler
	if cfg.Features.ArchivalEnabled {
		archiver, err = archive.New(archive.Config{
			CleanupCron:         cfg.Retention.ArchiveCron,
			VacuumCron:          cfg.Retention.BackupCron,
			TerminalRelayMaxAge: time.Duration(cfg.Retention.TerminalRelayDays) * 24 * time.Hour,
			MetricsMaxAge:       time.Duration(cfg.Retention.MetricsDays) * 24 * time.Hour,
			CleanupTimeout:      time.Minute,
			VacuumTimeout:       5 * time.Minute,
		}, st, logger)
		if err != nil {
			logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("archival scheduler disabled")
		} else {
			if serr := archiver.RegisterMetricsSnapshot(cfg.Retention.MetricsCron, snapshotBuilder(st, exec, chains, truthPool)); serr != nil {
				logger.WithFields(map[string]interface{}{"error": serr.Error()}).Warn("metrics snapshot cron disabled")
			}
			archiver.Start()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(context.Background(), "shutting down", nil)
	cancel()
	eng.Stop()
	if archiver != nil {
		archiver.Stop()
	}
}

// metricsSink adapts infrastructure/metrics onto the engine's
// chain.MetricsSink contract so the engine stays unaware of the concrete
// metrics backend.
type metricsSink struct{ m *metrics.Metrics }

func (s metricsSink) ObserveTransition(relayID string, from, to relay.Status) {
	s.m.RecordTransition(string(from), string(to))
}

func (s metricsSink) ObserveAttempt(relayID string, action relay.AttemptAction, status relay.AttemptStatus, duration time.Duration) {
	s.m.RecordAttempt(string(action), string(status), duration)
}

func (s metricsSink) ObserveChainError(chainID string, class string) {
	s.m.RecordChainError(chainID)
}

// buildStore constructs the job store backend selected by cfg.Mode: truth
// only, cache only, or the hybrid composition of both, applying pending
// truth-store migrations and starting the connection manager's health
// checks before handing the store back. cleanup releases every resource it
// opened, in reverse order.
func buildStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, *connpool.Manager, func(), error) {
	var (
		truthStore *truth.Store
		cacheImpl  *cache.Cache
		truthPool  *connpool.Manager
		teardown   = func() {}
	)

	if cfg.Mode == config.ModePostgres || cfg.Mode == config.ModeHybrid {
		var err error
		truthStore, err = truth.Open(cfg.Postgres.DSN(), cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns,
			time.Duration(cfg.Postgres.ConnMaxLifetime)*time.Second)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open truth store: %w", err)
		}

		pool := connpool.New("truth", []connpool.Endpoint{{Name: "primary", Host: cfg.Postgres.Host, Port: cfg.Postgres.Port, Priority: 1}},
			connpool.PoolConfig{
				MinConnections:         cfg.Pool.MinConnections,
				MaxConnections:         cfg.Pool.MaxConnections,
				HealthCheckInterval:    cfg.Pool.HealthCheckInterval(),
				HealthCheckTimeout:     3 * time.Second,
				MaxConsecutiveFailures: cfg.Pool.MaxConsecutiveFailures,
				FailoverTimeout:        10 * time.Second,
				ReconnectDelay:         time.Second,
				MaxReconnectAttempts:   5,
				LoadBalancing:          connpool.RoundRobin,
				ReadPreference:         connpool.ReadPrimary,
			},
			func(ctx context.Context, ep connpool.Endpoint) error { return truthStore.Ping(ctx) },
			resilience.Config{MaxFailures: cfg.Breaker.FailureThreshold, Timeout: time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second, HalfOpenMax: cfg.Breaker.HalfOpenMax},
			logger,
			truthStore,
		)
		pool.Start(ctx)
		truthPool = pool

		if migrator, merr := migrate.New(truthStore.DB(), cfg.Postgres.MigrationsDir, "relayer"); merr != nil {
			logger.WithFields(map[string]interface{}{"error": merr.Error()}).Warn("migrator unavailable, skipping schema migration")
		} else if ierr := migrator.Initialize(ctx); ierr != nil {
			logger.WithFields(map[string]interface{}{"error": ierr.Error()}).Warn("migration registry initialize failed")
		} else if aerr := migrator.Migrate(ctx, "relayer-startup"); aerr != nil {
			logger.WithFields(map[string]interface{}{"error": aerr.Error()}).Warn("migration run reported an error")
		}

		prev := teardown
		teardown = func() {
			prev()
			pool.Stop()
			_ = truthStore.Close()
		}
	}

	if cfg.Mode == config.ModeRedis || cfg.Mode == config.ModeHybrid {
		cacheImpl = cache.NewCache(cache.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			KeyPrefix:  cfg.CachePrefix,
			DefaultTTL: 0,
		})
		prev := teardown
		teardown = func() {
			_ = cacheImpl.Close()
			prev()
		}
	}

	switch cfg.Mode {
	case config.ModePostgres:
		return truthStore, truthPool, teardown, nil
	case config.ModeRedis:
		return cachestore.New(cacheImpl), truthPool, teardown, nil
	default:
		return hybrid.New(truthStore, cachestore.New(cacheImpl)), truthPool, teardown, nil
	}
}

// snapshotBuilder closes over the running components and returns the
// function archive.Scheduler calls on its metrics cron: a point-in-time
// rollup of relay counts by status, per-chain observation health, per-breaker
// circuit state, and throttle/queue health, plus a single system_health gauge
// in [0, 1] aggregated from the chain and breaker health alone.
func snapshotBuilder(st store.Store, exec *executor.Executor, chains chain.MapRegistry, pool *connpool.Manager) func(ctx context.Context) (*relay.MetricsSnapshot, error) {
	statuses := []relay.Status{
		relay.StatusPending, relay.StatusRouting, relay.StatusExecuting, relay.StatusConfirming,
		relay.StatusCompleted, relay.StatusFailed, relay.StatusExpired, relay.StatusRefunded,
	}

	return func(ctx context.Context) (*relay.MetricsSnapshot, error) {
		byStatus := make(map[relay.Status]int, len(statuses))
		for _, status := range statuses {
			relays, err := st.ListRelays(ctx, store.RelayFilter{Status: status})
			if err != nil {
				return nil, fmt.Errorf("list relays for %s: %w", status, err)
			}
			byStatus[status] = len(relays)
		}

		perChain := make(map[string]relay.ChainHealth, len(chains))
		for chainID := range chains {
			cs, err := st.GetChainState(ctx, chainID)
			if err != nil {
				continue
			}
			perChain[chainID] = relay.ChainHealth{
				Status:              cs.Status,
				LastProcessedHeight: cs.LastProcessedHeight,
				ErrorCount:          cs.ErrorCount,
			}
		}

		var perBreaker map[string]relay.BreakerHealth
		if pool != nil {
			perBreaker = pool.BreakerStates()
		}

		storeStats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("store stats: %w", err)
		}
		execStats := exec.Stats()

		return &relay.MetricsSnapshot{
			ID:                uuid.New().String(),
			Timestamp:         time.Now(),
			RelaysByStatus:    byStatus,
			ActiveRequests:    execStats.ActiveRequests,
			QueueLength:       execStats.QueueLength,
			AdaptiveDelayMs:   execStats.AdaptiveDelay.Milliseconds(),
			ConsecutiveErrors: execStats.ConsecutiveErrors,
			RecentErrorRate:   execStats.RecentErrorRate,
			CacheHitRate:      storeStats.CacheHitRate,
			PerChain:          perChain,
			PerBreaker:        perBreaker,
			SystemHealth:      systemHealthScore(perChain, perBreaker),
		}, nil
	}
}

// systemHealthScore aggregates chain and breaker health into a single gauge
// in [0, 1]: the average of the active-chain fraction and the closed-breaker
// fraction. An empty side of the aggregate is treated as fully healthy
// rather than penalizing a relayer that drives only one chain or has not
// yet tripped a breaker.
func systemHealthScore(perChain map[string]relay.ChainHealth, perBreaker map[string]relay.BreakerHealth) float64 {
	chainScore := 1.0
	if len(perChain) > 0 {
		healthy := 0
		for _, c := range perChain {
			if c.Status == relay.ChainActive {
				healthy++
			}
		}
		chainScore = float64(healthy) / float64(len(perChain))
	}

	breakerScore := 1.0
	if len(perBreaker) > 0 {
		closed := 0
		for _, b := range perBreaker {
			if b.State == relay.BreakerClosed {
				closed++
			}
		}
		breakerScore = float64(closed) / float64(len(perBreaker))
	}

	return (chainScore + breakerScore) / 2
}
