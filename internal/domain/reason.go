package domain

// Reason is the machine-readable cause attached to a rejected signal,
// allocation, or failed order. Every rejection carries one — a silent
// drop is a bug.
type Reason string

const (
	// ReasonBlockedNotReady — session/feed/broker not ready; signal
	// discarded, no retry.
	ReasonBlockedNotReady Reason = "BLOCKED_NOT_READY"

	// ReasonRateLimit — admitting the signal's orders would exceed the
	// ceiling; discarded for this tick, eligible again next tick.
	ReasonRateLimit Reason = "RATE_LIMIT"

	// ReasonNoEligibleAccounts — allocation produced nothing. Logged,
	// not an error.
	ReasonNoEligibleAccounts Reason = "NO_ELIGIBLE_ACCOUNTS"

	// ReasonAuthConflict — feed reports an exclusive-session violation.
	// Requires explicit operator action, never auto-retried.
	ReasonAuthConflict Reason = "AUTH_CONFLICT"

	// ReasonTransientIO — network/broker timeout, retried with backoff
	// up to a bound.
	ReasonTransientIO Reason = "TRANSIENT_IO"

	// ReasonTerminalReject — broker rejected the order outright.
	ReasonTerminalReject Reason = "TERMINAL_REJECT"

	// ReasonStrategyFault — one strategy's evaluation failed; isolated,
	// others unaffected.
	ReasonStrategyFault Reason = "STRATEGY_FAULT"
)
