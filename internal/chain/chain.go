// Package chain declares the external collaborator interfaces the relay
// state engine drives: a per-chain RPC client, the upstream HTLC observer,
// and a metrics sink. No concrete chain signer, DEX router, or transport is
// implemented here — those are out-of-scope collaborators supplied by the
// binary that wires this module together.
package chain

import (
	"context"
	"time"

	"github.com/R3E-Network/swap-relayer/domain/relay"
)

// Receipt is the on-chain outcome of a submitted transaction.
type Receipt struct {
	TxHash    string
	GasUsed   int64
	Confirmed bool
	BlockTime time.Time
}

// HTLCView is the on-chain state of a hash-time-locked contract as observed
// through a ChainClient, used by the engine to reconcile after a crash.
type HTLCView struct {
	HTLCID    string
	Locked    bool
	Withdrawn bool
	Refunded  bool
	Hashlock  string
	Timelock  time.Time
}

// Client is the per-chain RPC surface the engine drives to create, inspect,
// and settle an HTLC. Every method is fallible, timeoutable via ctx, and
// idempotent given the HTLC handle: calling Withdraw twice with the same
// preimage against an already-withdrawn HTLC must not double-spend or error
// in a way that is indistinguishable from a fresh failure.
type Client interface {
	// ChainID identifies which chain this client drives, used to select the
	// matching circuit breaker and connection pool.
	ChainID() string

	CreateHTLC(ctx context.Context, hashlock string, timelock time.Time, recipient, token, amount string) (htlcID string, err error)
	GetHTLC(ctx context.Context, htlcID string) (*HTLCView, error)
	Withdraw(ctx context.Context, htlcID, preimage string) (*Receipt, error)
	Refund(ctx context.Context, htlcID string) (*Receipt, error)
	GetTip(ctx context.Context) (height int64, blockHash string, err error)
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Registry resolves a chain ID to the Client that drives it, letting the
// engine stay agnostic to how many chains a given route crosses.
type Registry interface {
	Client(chainID string) (Client, bool)
}

// MapRegistry is the simplest Registry: a fixed set of clients keyed by
// chain ID, suitable for a relayer that drives a known, static chain set.
type MapRegistry map[string]Client

// Client implements Registry.
func (m MapRegistry) Client(chainID string) (Client, bool) {
	c, ok := m[chainID]
	return c, ok
}

// Observer feeds newly detected source HTLCs into the engine. The concrete
// watcher (log subscription, block poller, indexer webhook) lives outside
// this module; Submit is the only contract the engine depends on.
type Observer interface {
	Submit(ctx context.Context, r *relay.Relay) error
}

// MetricsSink consumes structured relayer events for external exposition.
// It carries no contract beyond sampling and labelling: an implementation
// may drop events under load without affecting correctness, since the
// durable record of truth is always the store, not the sink.
type MetricsSink interface {
	ObserveTransition(relayID string, from, to relay.Status)
	ObserveAttempt(relayID string, action relay.AttemptAction, status relay.AttemptStatus, duration time.Duration)
	ObserveChainError(chainID string, class string)
}

// NoopSink discards every event; used where metrics wiring is disabled.
type NoopSink struct{}

func (NoopSink) ObserveTransition(string, relay.Status, relay.Status)                 {}
func (NoopSink) ObserveAttempt(string, relay.AttemptAction, relay.AttemptStatus, time.Duration) {}
func (NoopSink) ObserveChainError(string, string)                                     {}
