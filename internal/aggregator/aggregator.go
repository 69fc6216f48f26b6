package aggregator

// aggregator.go — collects candidate signals from strategy units.
//
// One cooperative scan per evaluation tick, not one goroutine per
// strategy. A failing strategy (error or panic) is logged as a
// STRATEGY_FAULT and skipped for that tick only; the others run
// unaffected. Emitted signals are stamped and buffered in a bounded
// ring, oldest dropped first. No signal is mutated after emission.

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/ports"
	"github.com/google/uuid"
)

const defaultBufferSize = 256

// Config controls the evaluation tick and buffer bound.
type Config struct {
	Interval   time.Duration // default 1s
	BufferSize int           // ring capacity, default 256
}

// TickSource reads the latest per-symbol ticks, normally the feed
// supervisor's tick table.
type TickSource func() map[string]domain.Tick

// Aggregator runs registered strategies on each tick and buffers their
// signals for the compliance gate to drain.
type Aggregator struct {
	cfg   Config
	ticks TickSource
	now   func() time.Time

	mu         sync.Mutex
	strategies []ports.Strategy
	buf        []domain.Signal
	dropped    uint64
	emitted    uint64
	faults     uint64
}

// New creates an aggregator reading ticks from the given source.
func New(ticks TickSource, cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Aggregator{
		cfg:   cfg,
		ticks: ticks,
		now:   time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Register adds a strategy unit to the scan.
func (a *Aggregator) Register(s ports.Strategy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategies = append(a.strategies, s)
	slog.Info("aggregator: strategy registered", "strategy", s.ID())
}

// EvaluateTick runs one cooperative scan over all strategies and
// returns how many signals were emitted.
func (a *Aggregator) EvaluateTick(ctx context.Context) int {
	a.mu.Lock()
	strategies := make([]ports.Strategy, len(a.strategies))
	copy(strategies, a.strategies)
	a.mu.Unlock()

	ticks := a.ticks()
	emitted := 0

	for _, strat := range strategies {
		signals := a.evaluateOne(ctx, strat, ticks)
		if len(signals) == 0 {
			continue
		}

		now := a.now()
		a.mu.Lock()
		for _, sig := range signals {
			sig.ID = uuid.New().String()
			sig.StrategyID = strat.ID()
			sig.GeneratedAt = now
			a.push(sig)
			emitted++
		}
		a.emitted += uint64(len(signals))
		a.mu.Unlock()
	}
	return emitted
}

// evaluateOne isolates a single strategy's evaluation: errors and
// panics are contained so one faulty strategy cannot block the rest.
func (a *Aggregator) evaluateOne(ctx context.Context, strat ports.Strategy, ticks map[string]domain.Tick) (signals []domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			a.recordFault(strat.ID(), "panic", r)
			signals = nil
		}
	}()

	signals, err := strat.Evaluate(ctx, ticks)
	if err != nil {
		a.recordFault(strat.ID(), "error", err)
		return nil
	}
	return signals
}

func (a *Aggregator) recordFault(strategyID, kind string, detail any) {
	a.mu.Lock()
	a.faults++
	a.mu.Unlock()
	slog.Error("aggregator: STRATEGY_FAULT — strategy skipped for this tick",
		"strategy", strategyID,
		"kind", kind,
		"detail", detail,
	)
}

// push appends to the ring, dropping the oldest entry when full.
// Caller holds a.mu.
func (a *Aggregator) push(sig domain.Signal) {
	if len(a.buf) >= a.cfg.BufferSize {
		a.buf = a.buf[1:]
		a.dropped++
	}
	a.buf = append(a.buf, sig)
}

// Drain returns all buffered signals and empties the buffer. Each
// signal is handed out at most once.
func (a *Aggregator) Drain() []domain.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.buf
	a.buf = nil
	return out
}

// EmittedTotal returns the running count of emitted signals.
func (a *Aggregator) EmittedTotal() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

// Faults returns the running count of strategy faults.
func (a *Aggregator) Faults() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.faults
}

// DroppedSignals returns how many signals were evicted from a full
// buffer before being drained.
func (a *Aggregator) DroppedSignals() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Interval returns the configured evaluation cadence.
func (a *Aggregator) Interval() time.Duration { return a.cfg.Interval }
