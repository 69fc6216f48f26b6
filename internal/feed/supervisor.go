package feed

// supervisor.go — owns the external market-data connection.
//
// State machine: DISCONNECTED → CONNECTING → CONNECTED → (on failure)
// BACKOFF → CONNECTING → … Transient failures back off exponentially
// until the breaker trips; an AUTH_CONFLICT (exclusive session held
// elsewhere) stops reconnects entirely until ForceReset. While
// connected, incoming ticks land in a per-symbol latest-tick table;
// ticks for unsubscribed symbols are dropped and counted, never queued.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/ports"
)

// ErrAuthConflict is returned by Advance while reconnects are disabled
// pending an operator force-reset.
var ErrAuthConflict = errors.New("feed: auth conflict, force-reset required")

// TransitionHook observes every connection state change.
type TransitionHook func(domain.FeedConnectionState)

// Config controls the supervisor.
type Config struct {
	Symbols     []string
	Backoff     domain.Backoff
	MaxFailures int           // transient failures before the breaker opens, default 3
	Heartbeat   time.Duration // loop cadence, default 1s
}

// Supervisor drives the feed connection and exposes latest ticks.
type Supervisor struct {
	cfg    Config
	client ports.FeedClient
	now    func() time.Time

	mu           sync.RWMutex
	state        domain.FeedConnectionState
	breaker      domain.FeedBreaker
	authConflict bool
	subscribed   map[string]struct{}
	ticks        map[string]domain.Tick
	dropped      uint64
	hooks        []TransitionHook
}

// New creates a supervisor over the given feed client.
func New(client ports.FeedClient, cfg Config) *Supervisor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	if cfg.Backoff == (domain.Backoff{}) {
		cfg.Backoff = domain.DefaultBackoff()
	}

	subscribed := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		subscribed[s] = struct{}{}
	}

	return &Supervisor{
		cfg:        cfg,
		client:     client,
		now:        time.Now,
		state:      domain.FeedConnectionState{Status: domain.FeedDisconnected},
		breaker:    domain.FeedBreaker{MaxFailures: cfg.MaxFailures},
		subscribed: subscribed,
		ticks:      make(map[string]domain.Tick, len(cfg.Symbols)),
	}
}

// SetClock overrides the time source, for tests.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// OnTransition registers a hook invoked on every state change. Hooks
// run outside the supervisor lock.
func (s *Supervisor) OnTransition(h TransitionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// RestoreBreaker loads breaker state saved by a previous run.
func (s *Supervisor) RestoreBreaker(b domain.FeedBreaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.MaxFailures = s.breaker.MaxFailures
	s.breaker = b
}

// State returns the current connection state.
func (s *Supervisor) State() domain.FeedConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Breaker returns the current breaker state, for persistence.
func (s *Supervisor) Breaker() domain.FeedBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breaker
}

// Healthy reports whether the feed is connected, for the health gate.
func (s *Supervisor) Healthy() bool {
	return s.State().Status == domain.FeedConnected
}

// Latest returns the latest tick for a symbol.
func (s *Supervisor) Latest(symbol string) (domain.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t, ok
}

// LatestPrice returns the last traded price for a symbol. It is the
// shape the execution engine wants as its PriceSource.
func (s *Supervisor) LatestPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t.Price, ok
}

// LatestTicks returns a copy of the tick table, read by the aggregator.
func (s *Supervisor) LatestTicks() map[string]domain.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Tick, len(s.ticks))
	for sym, t := range s.ticks {
		out[sym] = t
	}
	return out
}

// DroppedTicks returns how many unsubscribed-symbol ticks were dropped.
func (s *Supervisor) DroppedTicks() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Run executes the connection/heartbeat loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.client.Close(); err != nil {
				slog.Warn("feed: error closing client", "err", err)
			}
			s.transition(func(st *domain.FeedConnectionState) {
				st.Status = domain.FeedDisconnected
			})
			slog.Info("feed: supervisor stopped")
			return
		case <-ticker.C:
			if err := s.Advance(ctx); err != nil && !errors.Is(err, ErrAuthConflict) {
				slog.Debug("feed: advance", "err", err)
			}
		}
	}
}

// Advance performs one state-machine step. Exposed so the reconnect
// logic can be driven deterministically in tests.
func (s *Supervisor) Advance(ctx context.Context) error {
	s.mu.RLock()
	status := s.state.Status
	retryAt := s.state.NextRetryAt
	blocked := s.authConflict || s.breaker.Open
	s.mu.RUnlock()

	switch status {
	case domain.FeedConnected:
		return nil

	case domain.FeedBackoff:
		if s.now().Before(retryAt) {
			return nil
		}
		return s.connect(ctx)

	case domain.FeedDisconnected, domain.FeedConnecting:
		if blocked {
			if s.authConflict {
				return ErrAuthConflict
			}
			return nil // breaker open: wait for manual reset
		}
		return s.connect(ctx)
	}
	return nil
}

// ForceReset clears an auth conflict: tears down the remote session,
// resets the breaker and allows reconnect attempts to resume. Explicit
// operator action, never called automatically.
func (s *Supervisor) ForceReset(ctx context.Context) error {
	if err := s.client.ForceDisconnect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.authConflict = false
	s.breaker.Reset()
	s.mu.Unlock()

	s.transition(func(st *domain.FeedConnectionState) {
		st.Status = domain.FeedDisconnected
		st.ConsecutiveFailures = 0
		st.BreakerOpen = false
	})
	slog.Info("feed: force reset, reconnect re-enabled")
	return nil
}

// ResetBreaker re-enables reconnect attempts after the breaker opened.
func (s *Supervisor) ResetBreaker() {
	s.mu.Lock()
	s.breaker.Reset()
	s.mu.Unlock()
	s.transition(func(st *domain.FeedConnectionState) {
		st.ConsecutiveFailures = 0
		st.BreakerOpen = false
	})
	slog.Info("feed: breaker reset")
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.transition(func(st *domain.FeedConnectionState) {
		st.Status = domain.FeedConnecting
	})

	err := s.client.Connect(ctx, s.handleTick)
	if err == nil {
		err = s.client.Subscribe(ctx, s.cfg.Symbols)
	}

	if err == nil {
		s.mu.Lock()
		s.breaker.RecordSuccess()
		s.mu.Unlock()
		s.transition(func(st *domain.FeedConnectionState) {
			st.Status = domain.FeedConnected
			st.ConsecutiveFailures = 0
			st.LastError = ""
		})
		slog.Info("feed: connected", "symbols", len(s.cfg.Symbols))
		return nil
	}

	if errors.Is(err, ports.ErrSessionInUse) {
		s.mu.Lock()
		s.authConflict = true
		s.mu.Unlock()
		s.transition(func(st *domain.FeedConnectionState) {
			st.Status = domain.FeedDisconnected
			st.LastErrorKind = domain.FailureAuthConflict
			st.LastError = err.Error()
		})
		slog.Error("feed: AUTH_CONFLICT — session in use elsewhere, operator force-reset required")
		return ErrAuthConflict
	}

	// Transient failure path.
	s.mu.Lock()
	s.breaker.RecordFailure()
	failures := s.breaker.ConsecutiveFailures
	open := s.breaker.Open
	s.mu.Unlock()

	if open {
		s.transition(func(st *domain.FeedConnectionState) {
			st.Status = domain.FeedDisconnected
			st.ConsecutiveFailures = failures
			st.LastErrorKind = domain.FailureTransient
			st.LastError = err.Error()
			st.BreakerOpen = true
		})
		slog.Error("feed: breaker open after consecutive failures",
			"failures", failures, "err", err)
		return err
	}

	retryAt := s.now().Add(s.cfg.Backoff.Next(failures))
	s.transition(func(st *domain.FeedConnectionState) {
		st.Status = domain.FeedBackoff
		st.ConsecutiveFailures = failures
		st.LastErrorKind = domain.FailureTransient
		st.LastError = err.Error()
		st.NextRetryAt = retryAt
	})
	slog.Warn("feed: connect failed, backing off",
		"failures", failures, "retry_at", retryAt.Format("15:04:05"), "err", err)
	return err
}

// handleTick updates the latest-tick table. Ticks for unsubscribed
// symbols are dropped and counted.
func (s *Supervisor) handleTick(t domain.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribed[t.Symbol]; !ok {
		s.dropped++
		return
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = s.now()
	}
	s.ticks[t.Symbol] = t
}

// transition mutates the state under lock and notifies hooks outside it.
func (s *Supervisor) transition(mut func(*domain.FeedConnectionState)) {
	s.mu.Lock()
	prev := s.state.Status
	mut(&s.state)
	s.state.ChangedAt = s.now()
	s.state.BreakerOpen = s.breaker.Open
	state := s.state
	hooks := s.hooks
	s.mu.Unlock()

	if prev != state.Status {
		slog.Debug("feed: transition", "from", prev, "to", state.Status)
	}
	for _, h := range hooks {
		h(state)
	}
}
