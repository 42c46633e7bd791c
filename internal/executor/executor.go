// Package executor implements the throttled request executor fronting
// chain-RPC calls: priority queueing, concurrency capping, minimum dispatch
// spacing, and adaptive back-off on failure. It combines a priority queue
// from github.com/emirpasic/gods with the spacing primitive from
// infrastructure/ratelimit.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"

	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
	"github.com/R3E-Network/swap-relayer/infrastructure/ratelimit"
)

// Priority is the submission priority of a queued item. Higher values run
// first; ties resolve FIFO via the monotonic sequence number assigned at
// submission time.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// Config configures the executor.
type Config struct {
	MaxConcurrent     int
	QueueLimit        int
	DefaultDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	EnableAdaptive    bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     10,
		QueueLimit:        1000,
		DefaultDelay:      200 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableAdaptive:    true,
	}
}

// ErrQueueFull is returned when a submission is rejected because the queue
// is already at its configured limit.
var ErrQueueFull = svcerrors.New(svcerrors.ErrCodeOutOfRange, "throttle queue full", 503)

// ErrQueueTimeout is returned when an item's age while queued exceeds its
// own timeout before it could be dispatched.
var ErrQueueTimeout = svcerrors.New(svcerrors.ErrCodeChainTimeout, "queued item exceeded its timeout", 504)

// Work is the unit of work submitted to the executor. It returns an error
// on failure; the executor classifies that error to decide whether to
// retry.
type Work func(ctx context.Context) error

type item struct {
	seq        int64
	priority   Priority
	work       Work
	// ctx is the submitter's context: dispatched work runs under it so the
	// caller's deadline or cancellation aborts the call itself, not just the
	// Submit wait.
	ctx        context.Context
	timeout    time.Duration
	submitted  time.Time
	retryCount int
	done       chan error
}

// comparator orders items by priority descending, then by sequence number
// ascending (FIFO within a priority tier), matching the gods comparator
// signature (negative means a sorts before b).
func comparator(a, b interface{}) int {
	ia, ib := a.(*item), b.(*item)
	if ia.priority != ib.priority {
		// Higher priority first: invert the natural ordering.
		return int(ib.priority) - int(ia.priority)
	}
	if ia.seq == ib.seq {
		return 0
	}
	if ia.seq < ib.seq {
		return -1
	}
	return 1
}

// Stats is the reported snapshot of executor health.
type Stats struct {
	ActiveRequests   int
	QueueLength      int
	AdaptiveDelay    time.Duration
	ConsecutiveErrors int
	RecentErrorRate  float64
}

// Executor runs submitted Work under a concurrency cap, a priority queue,
// and an adaptive inter-dispatch delay that grows on failure and decays on
// success.
type Executor struct {
	cfg     Config
	limiter *ratelimit.RateLimiter

	mu            sync.Mutex
	queue         *priorityqueue.Queue
	seq           int64
	active        int
	lastRequestAt time.Time
	adaptiveDelay time.Duration
	consecutive   int
	errorLog      []time.Time

	sem  chan struct{}
	cond *sync.Cond
}

// New constructs an Executor, filling zero config fields with defaults and
// building its minimum-spacing rate limiter from the configured
// DefaultDelay.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1000
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}

	e := &Executor{
		cfg:     cfg,
		queue:   priorityqueue.NewWith(comparator),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		limiter: ratelimit.New(spacingRateConfig(cfg.DefaultDelay)),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// spacingRateConfig derives a token-bucket rate that enforces one dispatch
// per `delay`, burst 1 — the steady-state rate the adaptive delay adjusts.
func spacingRateConfig(delay time.Duration) ratelimit.RateLimitConfig {
	rps := 1.0 / delay.Seconds()
	return ratelimit.RateLimitConfig{RequestsPerSecond: rps, Burst: 1}
}

// Submit enqueues work at the given priority and blocks until it runs (or
// is rejected/timed out). Each Submit starts one drainOne goroutine that
// dispatches the highest-priority queued item, so no long-running dispatch
// loop is required.
func (e *Executor) Submit(ctx context.Context, p Priority, timeout time.Duration, w Work) error {
	e.mu.Lock()
	if e.queue.Size() >= e.cfg.QueueLimit {
		e.mu.Unlock()
		return ErrQueueFull
	}
	e.seq++
	it := &item{
		seq:       e.seq,
		priority:  p,
		work:      w,
		ctx:       ctx,
		timeout:   timeout,
		submitted: time.Now(),
		done:      make(chan error, 1),
	}
	e.queue.Enqueue(it)
	e.cond.Signal()
	e.mu.Unlock()

	go e.drainOne()

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainOne pops the highest-priority ready item (if any) and runs it,
// enforcing the concurrency cap and minimum dispatch spacing. It is safe to
// call concurrently; at most MaxConcurrent invocations of Work run at once.
func (e *Executor) drainOne() {
	e.mu.Lock()
	v, ok := e.queue.Dequeue()
	if !ok {
		e.mu.Unlock()
		return
	}
	it := v.(*item)

	if it.timeout > 0 && time.Since(it.submitted) > it.timeout {
		e.mu.Unlock()
		it.done <- ErrQueueTimeout
		return
	}

	limiter := e.limiter
	e.mu.Unlock()

	_ = limiter.Wait(context.Background())

	e.sem <- struct{}{}

	// MaxConcurrent saturation can hold this goroutine at the semaphore gate
	// long enough that the item's timeout has since elapsed; recheck before
	// spending a concurrency slot on work that must be rejected anyway.
	if it.timeout > 0 && time.Since(it.submitted) > it.timeout {
		<-e.sem
		it.done <- ErrQueueTimeout
		return
	}

	e.mu.Lock()
	e.active++
	e.lastRequestAt = time.Now()
	e.mu.Unlock()

	err := it.work(it.ctx)

	e.mu.Lock()
	e.active--
	<-e.sem
	e.recordOutcome(err)
	e.mu.Unlock()

	if err != nil && it.ctx.Err() == nil && e.shouldRetry(err, it) {
		it.retryCount++
		delay := e.retryDelay(it.retryCount)
		time.Sleep(delay)
		e.mu.Lock()
		e.queue.Enqueue(it)
		e.mu.Unlock()
		go e.drainOne()
		return
	}

	it.done <- err
}

// recordOutcome updates the adaptive delay, re-tunes the spacing rate
// limiter to match, and updates error-rate bookkeeping. Caller must hold
// e.mu.
func (e *Executor) recordOutcome(err error) {
	now := time.Now()
	e.lastRequestAt = now

	if err == nil {
		e.consecutive = 0
		if e.cfg.EnableAdaptive {
			e.adaptiveDelay = decay(e.adaptiveDelay)
			e.retune()
		}
		return
	}

	e.errorLog = append(e.errorLog, now)
	e.pruneErrorLog(now)
	e.consecutive++

	if !e.cfg.EnableAdaptive {
		return
	}
	class := svcerrors.ClassifyChainError(err)
	var increment time.Duration
	switch class {
	case svcerrors.ChainErrorRateLimit:
		increment = time.Second
	default:
		if e.consecutive >= 3 {
			increment = 500 * time.Millisecond
		}
	}
	e.adaptiveDelay += increment
	if e.adaptiveDelay > e.cfg.MaxDelay {
		e.adaptiveDelay = e.cfg.MaxDelay
	}
	e.retune()
}

// retune re-tunes the spacing rate limiter so its steady-state rate
// corresponds to DefaultDelay + adaptiveDelay. Caller must hold e.mu.
func (e *Executor) retune() {
	gap := e.cfg.DefaultDelay + e.adaptiveDelay
	if gap <= 0 {
		return
	}
	e.limiter.SetLimit(1.0 / gap.Seconds())
}

func decay(d time.Duration) time.Duration {
	d = d * 3 / 4
	if d < 10*time.Millisecond {
		return 0
	}
	return d
}

func (e *Executor) pruneErrorLog(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(e.errorLog); i++ {
		if e.errorLog[i].After(cutoff) {
			break
		}
	}
	e.errorLog = e.errorLog[i:]
}

// shouldRetry reports whether a failed item should be re-queued: its error
// class must be retryable and its retry count must be below the cap of 3.
func (e *Executor) shouldRetry(err error, it *item) bool {
	if it.retryCount >= 3 {
		return false
	}
	class := svcerrors.ClassifyChainError(err)
	return class.Retryable()
}

// retryDelay computes default_delay * backoff^retry_count, capped at
// max_delay.
func (e *Executor) retryDelay(retryCount int) time.Duration {
	delay := float64(e.cfg.DefaultDelay)
	for i := 0; i < retryCount; i++ {
		delay *= e.cfg.BackoffMultiplier
	}
	d := time.Duration(delay)
	if d > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return d
}

// Stats returns a point-in-time snapshot of executor health.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.pruneErrorLog(now)

	return Stats{
		ActiveRequests:    e.active,
		QueueLength:       e.queue.Size(),
		AdaptiveDelay:     e.adaptiveDelay,
		ConsecutiveErrors: e.consecutive,
		RecentErrorRate:   float64(len(e.errorLog)) / 60.0,
	}
}
