package health

// gate.go — session/health gate.
//
// Tracks a last-known-good heartbeat per dependency and degrades the
// matching readiness flag once the heartbeat is stale. Dependencies
// push beats (the feed supervisor on every transition) or are probed
// on the poll interval (broker session, persistence ping). The gate
// owns no side effects beyond the state it holds.

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/calendar"
	"github.com/alejandrodnm/tradepilot/internal/domain"
)

// Dependency identifies one readiness input.
type Dependency string

const (
	DepFeed        Dependency = "feed"
	DepBroker      Dependency = "broker"
	DepPersistence Dependency = "persistence"
)

// Probe actively checks one dependency; a true result records a beat.
type Probe func(ctx context.Context) bool

// Config controls poll cadence and staleness thresholds.
type Config struct {
	PollInterval time.Duration // default 30s
	StaleAfter   time.Duration // default 90s
}

// DefaultConfig devuelve una configuración sensata para producción.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		StaleAfter:   90 * time.Second,
	}
}

// Gate derives the single can-trade precondition for the pipeline.
type Gate struct {
	cfg Config
	cal *calendar.Calendar
	now func() time.Time

	mu     sync.RWMutex
	beats  map[Dependency]time.Time
	probes map[Dependency]Probe
	last   domain.SessionReadiness
}

// New creates a gate against the given market calendar.
func New(cal *calendar.Calendar, cfg Config) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	return &Gate{
		cfg:    cfg,
		cal:    cal,
		now:    time.Now,
		beats:  make(map[Dependency]time.Time),
		probes: make(map[Dependency]Probe),
	}
}

// SetClock overrides the time source, for tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// RegisterProbe installs an active check run on every poll.
func (g *Gate) RegisterProbe(dep Dependency, p Probe) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probes[dep] = p
}

// Beat records a fresh heartbeat for a dependency.
func (g *Gate) Beat(dep Dependency) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.beats[dep] = g.now()
}

// Evaluate recomputes readiness from heartbeat ages and the calendar.
func (g *Gate) Evaluate() domain.SessionReadiness {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	r := domain.SessionReadiness{
		MarketOpen:       g.cal.IsOpen(now),
		FeedReady:        g.fresh(DepFeed, now),
		BrokerReady:      g.fresh(DepBroker, now),
		PersistenceReady: g.fresh(DepPersistence, now),
		EvaluatedAt:      now,
	}

	if g.last.CanTrade() && !r.CanTrade() {
		slog.Warn("health: trading gate degraded",
			"market_open", r.MarketOpen,
			"feed", r.FeedReady,
			"broker", r.BrokerReady,
			"persistence", r.PersistenceReady,
		)
	}
	g.last = r
	return r
}

// Last returns the most recent evaluation without recomputing.
func (g *Gate) Last() domain.SessionReadiness {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// PollOnce runs one probe pass and recomputes readiness.
func (g *Gate) PollOnce(ctx context.Context) { g.poll(ctx) }

// Run executes the readiness poll loop until the context is cancelled.
func (g *Gate) Run(ctx context.Context) {
	g.poll(ctx)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("health: gate stopped")
			return
		case <-ticker.C:
			g.poll(ctx)
		}
	}
}

func (g *Gate) poll(ctx context.Context) {
	g.mu.RLock()
	probes := make(map[Dependency]Probe, len(g.probes))
	for dep, p := range g.probes {
		probes[dep] = p
	}
	g.mu.RUnlock()

	for dep, probe := range probes {
		if probe(ctx) {
			g.Beat(dep)
		}
	}
	g.Evaluate()
}

// fresh reports whether the dependency's heartbeat is within threshold.
// Caller holds g.mu.
func (g *Gate) fresh(dep Dependency, now time.Time) bool {
	beat, ok := g.beats[dep]
	if !ok {
		return false
	}
	return now.Sub(beat) <= g.cfg.StaleAfter
}
