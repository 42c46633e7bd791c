package relay

import "fmt"

// Transition describes one legal edge in the relay state machine and a
// short description of when it is taken.
type Transition struct {
	From        Status
	To          Status
	Description string
}

// transitions enumerates every legal (from, to) edge. Validate rejects any
// move not present here, so the recorded sequence of statuses for a relay is
// always a valid walk of this graph.
var transitions = []Transition{
	{StatusPending, StatusRouting, "routing begins"},
	{StatusRouting, StatusExecuting, "route resolved"},
	{StatusRouting, StatusFailed, "no route / hard fail"},
	{StatusExecuting, StatusConfirming, "target HTLC confirmed locked"},
	{StatusConfirming, StatusCompleted, "preimage revealed & applied"},
	{StatusExecuting, StatusFailed, "retries exhausted, non-refundable"},
	{StatusConfirming, StatusFailed, "retries exhausted, non-refundable"},
	{StatusRouting, StatusFailed, "retries exhausted, non-refundable"},
	{StatusPending, StatusExpired, "timelock crossed refund boundary"},
	{StatusRouting, StatusExpired, "timelock crossed refund boundary"},
	{StatusExecuting, StatusExpired, "timelock crossed refund boundary"},
	{StatusConfirming, StatusExpired, "timelock crossed refund boundary"},
	{StatusExpired, StatusRefunded, "refund attempt succeeded"},
	{StatusExpired, StatusFailed, "refund attempt failed"},
}

var transitionIndex = func() map[Status]map[Status]bool {
	idx := make(map[Status]map[Status]bool, len(transitions))
	for _, t := range transitions {
		if idx[t.From] == nil {
			idx[t.From] = make(map[Status]bool)
		}
		idx[t.From][t.To] = true
	}
	return idx
}()

// CanTransition reports whether moving from `from` to `to` is a legal edge
// of the state machine.
func CanTransition(from, to Status) bool {
	return transitionIndex[from][to]
}

// Validate returns an error if the move from `from` to `to` is not a legal
// edge in the state machine.
func Validate(from, to Status) error {
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("relay: illegal transition %s -> %s", from, to)
	}
	return nil
}

// NextAttemptAction returns the action a fresh attempt should carry when a
// relay enters `to`, or "" if entering `to` does not itself start a new
// forward action (e.g. moving to a terminal status).
func NextAttemptAction(to Status) AttemptAction {
	switch to {
	case StatusRouting:
		return ActionRouteDiscovery
	case StatusExecuting:
		return ActionLockTarget
	case StatusConfirming:
		return ActionRevealSecret
	case StatusExpired:
		return ActionRefund
	default:
		return ""
	}
}
