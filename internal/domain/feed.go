package domain

import "time"

// FeedStatus is the connection state of the market-data feed.
type FeedStatus string

const (
	FeedDisconnected FeedStatus = "DISCONNECTED"
	FeedConnecting   FeedStatus = "CONNECTING"
	FeedConnected    FeedStatus = "CONNECTED"
	FeedBackoff      FeedStatus = "BACKOFF"
)

// FailureKind classifies a feed connection failure. The supervisor
// treats the two kinds very differently: transient failures back off
// and retry, auth conflicts stop everything until an operator acts.
type FailureKind string

const (
	// FailureTransient — network error or timeout, eligible for
	// exponential backoff with a capped number of attempts.
	FailureTransient FailureKind = "TRANSIENT"

	// FailureAuthConflict — the remote reports the session is already
	// in use elsewhere. Requires an explicit force-disconnect before
	// any retry; never retried silently.
	FailureAuthConflict FailureKind = "AUTH_CONFLICT"
)

// FeedConnectionState is the supervisor's externally visible state.
// Owned exclusively by the feed supervisor.
type FeedConnectionState struct {
	Status              FeedStatus
	ConsecutiveFailures int
	LastErrorKind       FailureKind
	LastError           string
	NextRetryAt         time.Time
	BreakerOpen         bool
	ChangedAt           time.Time
}

// FeedBreaker stops automatic reconnects after repeated transient
// failures until a manual reset.
type FeedBreaker struct {
	MaxFailures         int
	ConsecutiveFailures int
	Open                bool
	TrippedAt           time.Time
	TrippedReason       string
}

// RecordFailure counts a transient failure and may trip the breaker.
func (b *FeedBreaker) RecordFailure() {
	b.ConsecutiveFailures++
	if b.MaxFailures > 0 && b.ConsecutiveFailures >= b.MaxFailures {
		b.Open = true
		b.TrippedAt = time.Now()
		b.TrippedReason = "consecutive transient failures"
	}
}

// RecordSuccess resets the failure counter. An open breaker stays open;
// only Reset clears it.
func (b *FeedBreaker) RecordSuccess() {
	b.ConsecutiveFailures = 0
}

// Reset clears the breaker so reconnect attempts may resume.
func (b *FeedBreaker) Reset() {
	b.Open = false
	b.ConsecutiveFailures = 0
	b.TrippedReason = ""
}
