// Package engine implements the relay state engine: a bounded pool of
// worker goroutines that lease non-terminal relays from the job store,
// drive each one's next action toward a terminal state, and a separate
// reconciliation loop that folds on-chain HTLC state back into relays no
// worker currently holds. Workers stop cooperatively via a stopCh/sync.WaitGroup
// pair, and every transition is validated before it mutates the store and
// logged with structured fields afterward.
package engine

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/swap-relayer/domain/relay"
	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
	"github.com/R3E-Network/swap-relayer/infrastructure/logging"
	"github.com/R3E-Network/swap-relayer/infrastructure/resilience"
	"github.com/R3E-Network/swap-relayer/internal/chain"
	"github.com/R3E-Network/swap-relayer/internal/executor"
	"github.com/R3E-Network/swap-relayer/internal/store"
)

// Config controls worker pool sizing, leasing, back-off, and the refund
// safety margin.
type Config struct {
	WorkerPoolSize       int
	LeaseTTL             time.Duration
	HeartbeatInterval    time.Duration
	ReconcileInterval    time.Duration
	RefundBuffer         time.Duration
	MaxRetriesPerAction  int
	BackoffBase          time.Duration
	BackoffMultiplier    float64
	BackoffMaxDelay      time.Duration
	ActionTimeout        time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:      8,
		LeaseTTL:            60 * time.Second,
		HeartbeatInterval:   20 * time.Second,
		ReconcileInterval:   30 * time.Second,
		RefundBuffer:        5 * time.Minute,
		MaxRetriesPerAction: 3,
		BackoffBase:         500 * time.Millisecond,
		BackoffMultiplier:   2.0,
		BackoffMaxDelay:     30 * time.Second,
		ActionTimeout:       30 * time.Second,
	}
}

// activeStatuses is the set of relay statuses a worker may lease.
var activeStatuses = []relay.Status{relay.StatusPending, relay.StatusRouting, relay.StatusExecuting, relay.StatusConfirming, relay.StatusExpired}

// Engine drives every non-terminal relay toward a terminal state. It holds
// no relay in memory beyond the scope of a single lease: the store is the
// sole checkpoint, so a crash mid-action loses nothing but the in-flight
// attempt; once its lease expires, the next worker to lease the relay
// drives it again.
type Engine struct {
	id       string
	cfg      Config
	store    store.Store
	chains   chain.Registry
	exec     *executor.Executor
	sink     chain.MetricsSink
	logger   *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	healthyMu sync.RWMutex
	healthy   bool
}

// New constructs an Engine. exec fronts every chain RPC call issued while
// executing an action; sink may be chain.NoopSink{} when metrics wiring is
// disabled.
func New(cfg Config, st store.Store, chains chain.Registry, exec *executor.Executor, sink chain.MetricsSink, logger *logging.Logger) *Engine {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if sink == nil {
		sink = chain.NoopSink{}
	}
	return &Engine{
		id:      uuid.New().String(),
		cfg:     cfg,
		store:   st,
		chains:  chains,
		exec:    exec,
		sink:    sink,
		logger:  logger,
		stopCh:  make(chan struct{}),
		healthy: true,
	}
}

// Healthy reports whether the engine has been able to persist its last
// transition. It turns false when a transition write fails for good and
// true again on the next transition write that succeeds; workers keep
// leasing and driving relays either way.
func (e *Engine) Healthy() bool {
	e.healthyMu.RLock()
	defer e.healthyMu.RUnlock()
	return e.healthy
}

func (e *Engine) setHealthy(v bool) {
	e.healthyMu.Lock()
	e.healthy = v
	e.healthyMu.Unlock()
}

// Start launches the worker pool and the reconciliation loop. It returns
// immediately; call Stop to shut down cooperatively.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerPoolSize; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
	e.wg.Add(1)
	go e.reconcileLoop(ctx)
}

// Stop signals every worker and the reconciliation loop to exit, then waits
// for them to drain.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, idx int) {
	defer e.wg.Done()
	owner := e.id + "-w" + strconv.Itoa(idx)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tryLeaseAndDrive(ctx, owner)
		}
	}
}

func (e *Engine) tryLeaseAndDrive(ctx context.Context, owner string) {
	r, err := e.store.AcquireLease(ctx, owner, e.cfg.LeaseTTL, activeStatuses)
	if err != nil || r == nil {
		return
	}
	if e.logger != nil {
		e.logger.LogLeaseEvent(ctx, r.ID, owner, "acquired")
	}
	defer func() {
		_ = e.store.ReleaseLease(ctx, r.ID, owner)
		if e.logger != nil {
			e.logger.LogLeaseEvent(ctx, r.ID, owner, "released")
		}
	}()

	deadline := e.nextDeadline(r)
	actionCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	heartbeatStop := make(chan struct{})
	go e.heartbeat(ctx, r.ID, owner, heartbeatStop)
	defer close(heartbeatStop)

	e.driveOnce(actionCtx, r)
}

func (e *Engine) heartbeat(ctx context.Context, relayID, owner string, stop <-chan struct{}) {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = e.store.HeartbeatLease(ctx, relayID, owner, e.cfg.LeaseTTL)
		}
	}
}

// nextDeadline returns the minimum of the relay's refund deadline and the
// configured per-action timeout, the cancellation boundary every suspending
// operation inherits for this relay.
func (e *Engine) nextDeadline(r *relay.Relay) time.Time {
	actionDeadline := time.Now().Add(e.cfg.ActionTimeout)
	refundDeadline := r.RefundDeadline(e.cfg.RefundBuffer)
	if refundDeadline.Before(actionDeadline) {
		return refundDeadline
	}
	return actionDeadline
}

// driveOnce executes exactly one forward action for a leased relay. It
// never issues action n+1 before the outcome of action n has been
// persisted: the whole call is one attempt, start to finish.
func (e *Engine) driveOnce(ctx context.Context, r *relay.Relay) {
	now := time.Now()

	if !now.Before(r.RefundDeadline(e.cfg.RefundBuffer)) && !r.Status.Terminal() {
		e.runRefund(ctx, r)
		return
	}

	switch r.Status {
	case relay.StatusPending:
		e.transition(ctx, r, relay.StatusRouting)
		e.appendAttempt(ctx, r, relay.ActionRouteDiscovery)
	case relay.StatusRouting:
		e.runRouting(ctx, r)
	case relay.StatusExecuting:
		e.runLockTarget(ctx, r)
	case relay.StatusConfirming:
		e.runRevealSecret(ctx, r)
	case relay.StatusExpired:
		e.runRefund(ctx, r)
	}
}

func (e *Engine) runRouting(ctx context.Context, r *relay.Relay) {
	// The pending->routing transition already appended an in-progress
	// route_discovery attempt in the same step; reuse it rather than
	// creating a second, parallel attempt for the same decision.
	attempt := e.findInProgressAttempt(ctx, r, relay.ActionRouteDiscovery)
	if attempt == nil {
		attempt = e.appendAttempt(ctx, r, relay.ActionRouteDiscovery)
	}
	if len(r.Route) == 0 {
		e.completeAttempt(ctx, attempt, relay.AttemptFailed, "", "no route available")
		r.LastError = "no route available"
		e.transition(ctx, r, relay.StatusFailed)
		return
	}
	e.completeAttempt(ctx, attempt, relay.AttemptSuccess, "", "")
	e.transition(ctx, r, relay.StatusExecuting)
}

func (e *Engine) runLockTarget(ctx context.Context, r *relay.Relay) {
	client, ok := e.chains.Client(r.TargetChain)
	if !ok {
		e.failNonRetryable(ctx, r, relay.ActionLockTarget, "no chain client for target chain")
		return
	}

	attempt := e.appendAttempt(ctx, r, relay.ActionLockTarget)
	err := e.exec.Submit(ctx, priorityFor(r), e.cfg.ActionTimeout, func(ctx context.Context) error {
		_, err := client.CreateHTLC(ctx, r.Hashlock, r.Timelock, r.Recipient, r.Token, r.Amount)
		return err
	})
	e.finishAction(ctx, r, attempt, relay.StatusConfirming, err)
}

func (e *Engine) runRevealSecret(ctx context.Context, r *relay.Relay) {
	client, ok := e.chains.Client(r.TargetChain)
	if !ok {
		e.failNonRetryable(ctx, r, relay.ActionRevealSecret, "no chain client for target chain")
		return
	}

	attempt := e.appendAttempt(ctx, r, relay.ActionRevealSecret)
	err := e.exec.Submit(ctx, priorityFor(r), e.cfg.ActionTimeout, func(ctx context.Context) error {
		_, err := client.Withdraw(ctx, r.HTLCID, r.Metadata["preimage"])
		return err
	})
	e.finishAction(ctx, r, attempt, relay.StatusCompleted, err)
}

func (e *Engine) runRefund(ctx context.Context, r *relay.Relay) {
	if r.Status != relay.StatusExpired {
		e.transition(ctx, r, relay.StatusExpired)
	}

	client, ok := e.chains.Client(r.SourceChain)
	if !ok {
		e.failNonRetryable(ctx, r, relay.ActionRefund, "no chain client for source chain")
		return
	}

	attempt := e.appendAttempt(ctx, r, relay.ActionRefund)
	err := e.exec.Submit(ctx, executor.PriorityHigh, e.cfg.ActionTimeout, func(ctx context.Context) error {
		_, err := client.Refund(ctx, r.HTLCID)
		return err
	})
	if e.logger != nil {
		e.logger.LogChainTx(ctx, r.ID, r.SourceChain, string(relay.ActionRefund), err)
	}
	if err != nil {
		e.completeAttempt(ctx, attempt, relay.AttemptFailed, "", err.Error())
		r.LastError = err.Error()
		e.transition(ctx, r, relay.StatusFailed)
		return
	}
	e.completeAttempt(ctx, attempt, relay.AttemptSuccess, "", "")
	e.transition(ctx, r, relay.StatusRefunded)
}

// finishAction records the outcome of a throttled action: success advances
// the relay to onSuccess; a retryable failure stays in place (bumping
// retry_count) for the next worker pass to retry after back-off; an
// exhausted retry budget or a chain rejection moves the relay toward
// failed/refunded per the taxonomy.
func (e *Engine) finishAction(ctx context.Context, r *relay.Relay, attempt *relay.RelayAttempt, onSuccess relay.Status, err error) {
	if e.logger != nil {
		e.logger.LogChainTx(ctx, r.ID, r.TargetChain, string(attempt.Action), err)
	}
	if err == nil {
		e.completeAttempt(ctx, attempt, relay.AttemptSuccess, "", "")
		e.sink.ObserveAttempt(r.ID, attempt.Action, relay.AttemptSuccess, time.Since(attempt.StartedAt))
		e.transition(ctx, r, onSuccess)
		return
	}

	class := svcerrors.ClassifyChainError(err)
	e.sink.ObserveChainError(r.TargetChain, string(class))
	e.completeAttempt(ctx, attempt, relay.AttemptFailed, "", err.Error())
	e.sink.ObserveAttempt(r.ID, attempt.Action, relay.AttemptFailed, time.Since(attempt.StartedAt))

	// RetryCount is the cross-action sum reported on the relay; the retry
	// budget itself is charged per action.
	r.RetryCount++
	r.LastError = err.Error()

	if class == svcerrors.ChainErrorReject {
		e.transition(ctx, r, relay.StatusFailed)
		return
	}

	actionRetries := e.actionRetryCount(ctx, r, attempt.Action)
	if !class.Retryable() || actionRetries >= e.cfg.MaxRetriesPerAction {
		e.transition(ctx, r, relay.StatusFailed)
		return
	}

	delay := backoffDelay(e.cfg, actionRetries)
	r.NextAttemptAt = time.Now().Add(delay)
	e.store.UpdateRelay(ctx, r)
}

// actionRetryCount returns how many attempts of the given action have
// already failed for this relay, the count its per-action retry budget is
// charged against. The attempt trail is authoritative: it survives restarts
// and is unaffected by retries burned on other actions.
func (e *Engine) actionRetryCount(ctx context.Context, r *relay.Relay, action relay.AttemptAction) int {
	attempts, err := e.store.ListAttempts(ctx, r.ID)
	if err != nil {
		return r.RetryCount
	}
	n := 0
	for _, a := range attempts {
		if a.Action != action {
			continue
		}
		if a.Status == relay.AttemptFailed || a.Status == relay.AttemptTimeout {
			n++
		}
	}
	return n
}

func (e *Engine) failNonRetryable(ctx context.Context, r *relay.Relay, action relay.AttemptAction, reason string) {
	attempt := e.appendAttempt(ctx, r, action)
	e.completeAttempt(ctx, attempt, relay.AttemptFailed, "", reason)
	r.LastError = reason
	e.transition(ctx, r, relay.StatusFailed)
}

// appendAttempt persists a new in-progress attempt, numbered one past the
// relay's prior highest attempt_number. Attempts are append-only: existing
// rows are never rewritten, only completed.
func (e *Engine) appendAttempt(ctx context.Context, r *relay.Relay, action relay.AttemptAction) *relay.RelayAttempt {
	existing, _ := e.store.ListAttempts(ctx, r.ID)
	next := len(existing) + 1

	a := &relay.RelayAttempt{
		ID:            uuid.New().String(),
		RelayID:       r.ID,
		AttemptNumber: next,
		Action:        action,
		Status:        relay.AttemptInProgress,
		StartedAt:     time.Now(),
	}
	_ = e.store.SaveAttempt(ctx, a)
	return a
}

// findInProgressAttempt returns the most recent not-yet-completed attempt
// for the given action, or nil if none is outstanding.
func (e *Engine) findInProgressAttempt(ctx context.Context, r *relay.Relay, action relay.AttemptAction) *relay.RelayAttempt {
	attempts, err := e.store.ListAttempts(ctx, r.ID)
	if err != nil {
		return nil
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Action == action && attempts[i].Status == relay.AttemptInProgress {
			return attempts[i]
		}
	}
	return nil
}

func (e *Engine) completeAttempt(ctx context.Context, a *relay.RelayAttempt, status relay.AttemptStatus, txHash, errMsg string) {
	now := time.Now()
	a.Status = status
	a.CompletedAt = &now
	a.TxHash = txHash
	a.ErrorMessage = errMsg
	_ = e.store.UpdateAttempt(ctx, a)
}

// transition validates and persists a status change, never leading
// persistent state with an in-memory-only update: if the write fails the
// engine marks itself unhealthy and leaves the relay in its prior state.
func (e *Engine) transition(ctx context.Context, r *relay.Relay, to relay.Status) {
	from := r.Status
	if err := relay.Validate(from, to); err != nil {
		if e.logger != nil {
			e.logger.WithFields(map[string]interface{}{"relay_id": r.ID, "from": from, "to": to}).Error(err.Error())
		}
		return
	}

	r.Status = to
	r.UpdatedAt = time.Now()

	// A transition is applied only if the persistent write succeeds: retry
	// the write with back-off, and if it stays unrecoverable leave the relay
	// in its prior state and mark the engine unhealthy.
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: e.cfg.BackoffBase,
		MaxDelay:     e.cfg.BackoffMaxDelay,
		Multiplier:   e.cfg.BackoffMultiplier,
		Jitter:       0.1,
	}, func() error {
		return e.store.UpdateRelay(ctx, r)
	})
	if err != nil {
		r.Status = from
		e.setHealthy(false)
		if e.logger != nil {
			e.logger.WithFields(map[string]interface{}{"relay_id": r.ID, "error": err.Error()}).Error("failed to persist relay transition")
		}
		return
	}
	e.setHealthy(true)
	e.sink.ObserveTransition(r.ID, from, to)
	if e.logger != nil {
		e.logger.LogRelayTransition(ctx, r.ID, string(from), string(to))
	}
}

// reconcileLoop runs reconcileOnce on every ReconcileInterval tick (30s
// when unset). Expired leases are reclaimed by AcquireLease and the refund
// boundary is checked by driveOnce, so this loop only folds on-chain
// progress into relays that are not presently leased by anyone.
func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce queries on-chain truth for every unleased relay whose status
// is routing, executing, or confirming and whose target chain has a client,
// and folds the HTLC view into the relay's status. It neither creates nor
// edits attempts: an orphaned in-progress attempt keeps its number, and
// attempts are recorded by the worker that next leases the relay.
func (e *Engine) reconcileOnce(ctx context.Context) {
	for _, status := range []relay.Status{relay.StatusRouting, relay.StatusExecuting, relay.StatusConfirming} {
		relays, err := e.store.ListRelays(ctx, store.RelayFilter{Status: status})
		if err != nil {
			continue
		}
		for _, r := range relays {
			if r.Leased(time.Now()) {
				continue
			}
			if client, ok := e.chains.Client(r.TargetChain); ok {
				if view, err := client.GetHTLC(ctx, r.HTLCID); err == nil {
					e.reconcileFromChainView(ctx, r, view)
				}
			}
		}
	}
}

// reconcileFromChainView folds on-chain truth back into the relay's status
// when it shows forward progress the store has not yet recorded, e.g. a
// withdrawal the previous worker submitted just before crashing.
func (e *Engine) reconcileFromChainView(ctx context.Context, r *relay.Relay, view *chain.HTLCView) {
	switch {
	case view.Withdrawn && r.Status != relay.StatusCompleted:
		e.transition(ctx, r, relay.StatusConfirming)
		e.transition(ctx, r, relay.StatusCompleted)
		e.logReconciled(ctx, r.ID, "withdrawn")
	case view.Refunded && r.Status != relay.StatusRefunded:
		e.transition(ctx, r, relay.StatusExpired)
		e.transition(ctx, r, relay.StatusRefunded)
		e.logReconciled(ctx, r.ID, "refunded")
	case view.Locked && r.Status == relay.StatusExecuting:
		e.transition(ctx, r, relay.StatusConfirming)
		e.logReconciled(ctx, r.ID, "locked")
	}
}

func (e *Engine) logReconciled(ctx context.Context, relayID, outcome string) {
	if e.logger != nil {
		e.logger.LogReconciliation(ctx, relayID, outcome)
	}
}

func priorityFor(r *relay.Relay) executor.Priority {
	if time.Until(r.Timelock) < time.Hour {
		return executor.PriorityHigh
	}
	return executor.PriorityMedium
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	jitter := rand.Float64() * float64(base)
	d := time.Duration(delay + jitter)
	if cfg.BackoffMaxDelay > 0 && d > cfg.BackoffMaxDelay {
		return cfg.BackoffMaxDelay
	}
	return d
}
