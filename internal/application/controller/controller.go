package controller

// controller.go — the orchestration pipeline.
//
// Three independent periodic loops: the feed supervisor's
// connection/heartbeat loop, the aggregator's evaluation tick and the
// health gate's readiness poll. They communicate only through
// thread-safe shared state (tick table, readiness flags, rate window).
// The compliance gate and execution hand-off run synchronously inside
// the evaluation tick, but broker I/O happens on the engine's worker
// pool so a slow call never delays the next heartbeat or tick.

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/aggregator"
	"github.com/alejandrodnm/tradepilot/internal/compliance"
	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/execution"
	"github.com/alejandrodnm/tradepilot/internal/feed"
	"github.com/alejandrodnm/tradepilot/internal/health"
	"github.com/alejandrodnm/tradepilot/internal/positions"
	"github.com/alejandrodnm/tradepilot/internal/ports"
)

// Controller wires the signal-to-order pipeline together and drives it.
type Controller struct {
	gate     *health.Gate
	sup      *feed.Supervisor
	agg      *aggregator.Aggregator
	comp     *compliance.Gate
	engine   *execution.Engine
	tracker  *positions.Tracker
	store    ports.Storage
	notifier ports.Notifier

	mu    sync.Mutex
	daily domain.DailySummary
}

// New creates a controller and installs the cross-component hooks:
// feed transitions feed the health gate and the audit trail; broker
// and persistence are probed on the readiness poll.
func New(
	gate *health.Gate,
	sup *feed.Supervisor,
	agg *aggregator.Aggregator,
	comp *compliance.Gate,
	engine *execution.Engine,
	tracker *positions.Tracker,
	store ports.Storage,
	notifier ports.Notifier,
) *Controller {
	c := &Controller{
		gate:     gate,
		sup:      sup,
		agg:      agg,
		comp:     comp,
		engine:   engine,
		tracker:  tracker,
		store:    store,
		notifier: notifier,
	}

	sup.OnTransition(func(st domain.FeedConnectionState) {
		if st.Status == domain.FeedConnected {
			gate.Beat(health.DepFeed)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveFeedEvent(ctx, st); err != nil {
			slog.Warn("controller: error persisting feed event", "err", err)
		}
		if err := store.SaveFeedBreaker(ctx, sup.Breaker()); err != nil {
			slog.Warn("controller: error persisting feed breaker", "err", err)
		}
	})

	gate.RegisterProbe(health.DepFeed, func(context.Context) bool {
		return sup.Healthy()
	})
	gate.RegisterProbe(health.DepBroker, engine.BrokerReady)
	gate.RegisterProbe(health.DepPersistence, func(ctx context.Context) bool {
		return store.Ping(ctx) == nil
	})

	return c
}

// ForceFeedReset tears down a feed session held elsewhere and clears
// the breaker. Explicit operator action; never called automatically.
func (c *Controller) ForceFeedReset(ctx context.Context) error {
	return c.sup.ForceReset(ctx)
}

// Run starts the three loops and the evaluation tick, blocking until
// the context is cancelled. Shutdown waits for in-flight orders.
func (c *Controller) Run(ctx context.Context) error {
	if b, err := c.store.LoadFeedBreaker(ctx); err == nil {
		c.sup.RestoreBreaker(b)
	}
	if err := c.engine.ResumePending(ctx); err != nil {
		slog.Warn("controller: error resuming pending orders", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.sup.Run(ctx) }()
	go func() { defer wg.Done(); c.gate.Run(ctx) }()
	c.engine.Start(ctx)

	ticker := time.NewTicker(c.agg.Interval())
	defer ticker.Stop()

	slog.Info("controller: pipeline running", "tick", c.agg.Interval())

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.engine.Wait()
			slog.Info("controller: stopped cleanly")
			return nil
		case <-ticker.C:
			report := c.RunTick(ctx)
			if err := c.notifier.Notify(ctx, report); err != nil {
				slog.Warn("controller: notifier error", "err", err)
			}
		}
	}
}

// RunOnce performs a single evaluation cycle and returns its report:
// connect the feed, probe readiness, run one tick, drain the order
// pool. Used by the -once CLI mode.
func (c *Controller) RunOnce(ctx context.Context) (domain.CycleReport, error) {
	if b, err := c.store.LoadFeedBreaker(ctx); err == nil {
		c.sup.RestoreBreaker(b)
	}
	if err := c.engine.ResumePending(ctx); err != nil {
		slog.Warn("controller: error resuming pending orders", "err", err)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.engine.Start(poolCtx)

	if err := c.sup.Advance(ctx); err != nil {
		slog.Warn("controller: feed connect", "err", err)
	}
	c.gate.PollOnce(ctx)

	report := c.RunTick(ctx)
	err := c.notifier.Notify(ctx, report)

	// Let queued orders reach the broker before stopping the pool.
	drain := time.NewTimer(5 * time.Second)
	defer drain.Stop()
wait:
	for c.engine.PendingCount() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-drain.C:
			slog.Warn("controller: orders still pending at shutdown, left for resume")
			break wait
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	c.engine.Wait()
	return report, err
}

// RunTick executes one evaluation tick: strategies → compliance →
// execution hand-off, gated on readiness. The aggregator still runs
// while blocked, for observability; the gate rejects every allocation.
func (c *Controller) RunTick(ctx context.Context) domain.CycleReport {
	start := time.Now()

	// Mark open positions against the latest ticks before evaluating.
	for symbol, tick := range c.sup.LatestTicks() {
		c.tracker.Mark(symbol, tick.Price)
		if err := c.engine.ResolveRestingPaper(ctx, symbol, tick.Price); err != nil {
			slog.Warn("controller: resolving resting paper legs", "symbol", symbol, "err", err)
		}
	}

	c.agg.EvaluateTick(ctx)
	signals := c.agg.Drain()

	readiness := c.gate.Evaluate()
	mode := c.engine.DecideMode(ctx)

	report := domain.CycleReport{
		At:          start,
		Readiness:   readiness,
		Feed:        c.sup.State(),
		SignalsSeen: len(signals),
		Rejected:    make(map[domain.Reason]int),
	}

	for _, sig := range signals {
		if err := c.store.SaveSignal(ctx, sig); err != nil {
			slog.Warn("controller: error persisting signal", "signal", sig.ID, "err", err)
		}

		res := c.comp.Process(sig, readiness.CanTrade(), mode)
		if res.Rejected {
			report.Rejected[res.Reason]++
			if err := c.store.MarkSignalRejected(ctx, sig.ID, res.Reason); err != nil {
				slog.Warn("controller: error persisting rejection", "signal", sig.ID, "err", err)
			}
			continue
		}

		for _, alloc := range res.Allocations {
			if err := c.store.SaveAllocation(ctx, alloc); err != nil {
				slog.Warn("controller: error persisting allocation", "allocation", alloc.ID, "err", err)
			}
		}

		if _, err := c.engine.Submit(ctx, res.Requests); err != nil {
			slog.Warn("controller: error submitting orders", "signal", sig.ID, "err", err)
			continue
		}
		report.Allocated++
		report.OrdersPlaced += len(res.Requests)
	}

	report.Positions = c.tracker.All()
	report.RealizedPnL = c.tracker.RealizedTotal()
	_, filled, _ := c.engine.Counters()
	report.OrdersFilled = filled

	c.saveDaily(ctx, report)

	slog.Info("controller: tick complete",
		"signals", report.SignalsSeen,
		"allocated", report.Allocated,
		"orders", report.OrdersPlaced,
		"can_trade", readiness.CanTrade(),
		"mode", mode,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return report
}

// saveDaily upserts the running per-day aggregate.
func (c *Controller) saveDaily(ctx context.Context, report domain.CycleReport) {
	c.mu.Lock()
	day := report.At.UTC().Truncate(24 * time.Hour)
	if !c.daily.Date.Equal(day) {
		c.daily = domain.DailySummary{Date: day}
	}
	c.daily.SignalsSeen += report.SignalsSeen
	c.daily.SignalsAllocated += report.Allocated
	for _, n := range report.Rejected {
		c.daily.SignalsRejected += n
	}
	c.daily.OrdersPlaced += report.OrdersPlaced
	c.daily.OrdersFilled = report.OrdersFilled
	_, _, rejected := c.engine.Counters()
	c.daily.OrdersRejected = rejected
	c.daily.RealizedPnL = report.RealizedPnL

	deployed := 0.0
	for _, pos := range report.Positions {
		deployed += pos.GrossExposure()
	}
	c.daily.CapitalDeployed = deployed
	snapshot := c.daily
	c.mu.Unlock()

	if err := c.store.SaveDaily(ctx, snapshot); err != nil {
		slog.Warn("controller: error saving daily summary", "err", err)
	}
}
