// Package archive schedules the periodic maintenance sweeps that keep the
// job store bounded: retention-based deletion of terminal relays and old
// metrics snapshots, and a storage vacuum pass. Both run on cron schedules
// parsed and dispatched by github.com/robfig/cron/v3, a real 5-field cron
// evaluator rather than a hand-rolled approximation.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	"github.com/R3E-Network/swap-relayer/infrastructure/logging"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// Config controls the archival schedule and retention windows.
type Config struct {
	// CleanupCron and VacuumCron are standard 5-field cron expressions, or
	// one of cron's descriptors ("@every 1h", "@daily", ...).
	CleanupCron string
	VacuumCron  string

	TerminalRelayMaxAge time.Duration
	MetricsMaxAge       time.Duration

	CleanupTimeout time.Duration
	VacuumTimeout  time.Duration
}

// DefaultConfig returns sensible defaults: hourly cleanup, a nightly vacuum,
// a week of terminal-relay retention, and a month of metrics history.
func DefaultConfig() Config {
	return Config{
		CleanupCron:         "@every 1h",
		VacuumCron:          "0 3 * * *",
		TerminalRelayMaxAge: 7 * 24 * time.Hour,
		MetricsMaxAge:       30 * 24 * time.Hour,
		CleanupTimeout:      time.Minute,
		VacuumTimeout:       5 * time.Minute,
	}
}

// Scheduler owns the cron engine driving retention cleanup and vacuum
// passes against the job store.
type Scheduler struct {
	cfg    Config
	store  store.Store
	logger *logging.Logger
	cron   *cron.Cron

	mu          sync.Mutex
	lastCleanup time.Time
	lastDeleted int64
	lastVacuum  time.Time
}

// New builds a Scheduler and registers its cron entries. It returns an
// error if either cron expression fails to parse, validated at
// construction time rather than at first fire.
func New(cfg Config, st store.Store, logger *logging.Logger) (*Scheduler, error) {
	if cfg.CleanupCron == "" {
		cfg.CleanupCron = "@every 1h"
	}
	if cfg.VacuumCron == "" {
		cfg.VacuumCron = "0 3 * * *"
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = time.Minute
	}
	if cfg.VacuumTimeout <= 0 {
		cfg.VacuumTimeout = 5 * time.Minute
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	engine := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{logger})))

	s := &Scheduler{cfg: cfg, store: st, logger: logger, cron: engine}

	if _, err := engine.AddFunc(cfg.CleanupCron, s.runCleanup); err != nil {
		return nil, err
	}
	if _, err := engine.AddFunc(cfg.VacuumCron, s.runVacuum); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the cron engine in its own goroutine. It returns
// immediately.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron engine and blocks until any in-flight job completes.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// RunCleanupNow runs a retention sweep outside the cron schedule, e.g. from
// an operator-triggered maintenance endpoint.
func (s *Scheduler) RunCleanupNow() { s.runCleanup() }

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()

	now := time.Now()
	policy := store.RetentionPolicy{
		TerminalRelayBefore: now.Add(-s.cfg.TerminalRelayMaxAge),
		MetricsBefore:       now.Add(-s.cfg.MetricsMaxAge),
	}

	deleted, err := s.store.Cleanup(ctx, policy)

	s.mu.Lock()
	s.lastCleanup = now
	if err == nil {
		s.lastDeleted = deleted
	}
	s.mu.Unlock()

	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.WithFields(map[string]interface{}{"error": err.Error()}).Error("archival cleanup failed")
		return
	}
	s.logger.WithFields(map[string]interface{}{"deleted": deleted}).Info("archival cleanup completed")
}

func (s *Scheduler) runVacuum() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.VacuumTimeout)
	defer cancel()

	err := s.store.Vacuum(ctx)

	s.mu.Lock()
	s.lastVacuum = time.Now()
	s.mu.Unlock()

	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.WithFields(map[string]interface{}{"error": err.Error()}).Error("archival vacuum failed")
		return
	}
	s.logger.WithFields(nil).Info("archival vacuum completed")
}

// RegisterMetricsSnapshot adds a cron entry that assembles and persists a
// relay.MetricsSnapshot via build. It is registered after construction,
// separately from New, because assembling a snapshot needs collaborators
// (the store, the executor, the chain registry, the connection pool) the scheduler itself does
// not otherwise depend on.
func (s *Scheduler) RegisterMetricsSnapshot(cronExpr string, build func(ctx context.Context) (*relay.MetricsSnapshot, error)) error {
	if cronExpr == "" {
		cronExpr = "@every 1m"
	}
	_, err := s.cron.AddFunc(cronExpr, func() { s.runMetricsSnapshot(build) })
	return err
}

func (s *Scheduler) runMetricsSnapshot(build func(ctx context.Context) (*relay.MetricsSnapshot, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()

	snap, err := build(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{"error": err.Error()}).Error("metrics snapshot assembly failed")
		}
		return
	}
	if err := s.store.SaveMetricsSnapshot(ctx, snap); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"error": err.Error()}).Error("metrics snapshot persist failed")
	}
}

// Status reports the last run times and the row count the most recent
// cleanup deleted.
type Status struct {
	LastCleanup time.Time
	LastDeleted int64
	LastVacuum  time.Time
}

// Status returns a snapshot of the scheduler's run history.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{LastCleanup: s.lastCleanup, LastDeleted: s.lastDeleted, LastVacuum: s.lastVacuum}
}

// cronLogger adapts infrastructure/logging.Logger to cron.Logger so a
// recovered panic inside a scheduled job is reported through the same
// structured logger as everything else, instead of crashing the process.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if c.l == nil {
		return
	}
	c.l.WithFields(fieldsFromPairs(keysAndValues)).Info(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if c.l == nil {
		return
	}
	c.l.WithFields(fieldsFromPairs(keysAndValues)).WithError(err).Error(msg)
}

func fieldsFromPairs(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	return out
}
