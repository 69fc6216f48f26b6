package execution

// engine.go — order execution engine.
//
// One engine, one explicit LIVE/PAPER mode flag decided per request —
// not two parallel code paths. Approved allocations are handed to a
// bounded worker pool so a burst cannot spawn unbounded concurrent
// broker calls, and a slow broker call never stalls the feed or
// evaluation loops. Outbound broker calls go through a rate.Limiter.

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/compliance"
	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/ports"
	"github.com/alejandrodnm/tradepilot/internal/positions"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultBrokerRate  = 20 // broker API calls per second
	defaultBrokerBurst = 10
)

// PriceSource returns the latest known price for a symbol, used for
// simulated fills in PAPER mode.
type PriceSource func(symbol string) (float64, bool)

// Config holds configuration for the execution engine.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     domain.Backoff
	BrokerRate  rate.Limit
	BrokerBurst int
	ForcePaper  bool // never place live orders even with a valid session
}

// Engine converts approved allocations into broker orders and
// reconciles the resulting order/position state.
type Engine struct {
	cfg     Config
	broker  ports.BrokerClient
	store   ports.Storage
	tracker *positions.Tracker
	oco     *compliance.OCOTable
	price   PriceSource
	limiter *rate.Limiter
	now     func() time.Time

	mu          sync.Mutex
	records     map[string]*domain.OrderRecord // record ID → record
	byIdem      map[string]string              // idempotency key → record ID
	byBrokerRef map[string]string              // broker ref → record ID
	placed      int
	filled      int
	rejected    int

	jobs chan []string // record IDs of one allocation's legs, entry first
	wg   sync.WaitGroup
}

// New creates an engine. price may be nil only if PAPER mode is never
// used.
func New(
	broker ports.BrokerClient,
	store ports.Storage,
	tracker *positions.Tracker,
	oco *compliance.OCOTable,
	price PriceSource,
	cfg Config,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff == (domain.Backoff{}) {
		cfg.Backoff = domain.DefaultBackoff()
	}
	if cfg.BrokerRate <= 0 {
		cfg.BrokerRate = defaultBrokerRate
	}
	if cfg.BrokerBurst <= 0 {
		cfg.BrokerBurst = defaultBrokerBurst
	}

	return &Engine{
		cfg:         cfg,
		broker:      broker,
		store:       store,
		tracker:     tracker,
		oco:         oco,
		price:       price,
		limiter:     rate.NewLimiter(cfg.BrokerRate, cfg.BrokerBurst),
		now:         time.Now,
		records:     make(map[string]*domain.OrderRecord),
		byIdem:      make(map[string]string),
		byBrokerRef: make(map[string]string),
		jobs:        make(chan []string, cfg.Workers*4),
	}
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Start launches the worker pool. Workers exit when ctx is cancelled;
// queued but unstarted legs stay PENDING in storage for resume.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	slog.Info("execution: worker pool started", "workers", e.cfg.Workers)
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// DecideMode picks LIVE or PAPER for the current tick. Decided once
// per request batch, never switched mid-flight.
func (e *Engine) DecideMode(ctx context.Context) domain.ProductMode {
	if e.cfg.ForcePaper {
		return domain.ModePaper
	}
	if e.broker.SessionValid(ctx) {
		return domain.ModeLive
	}
	return domain.ModePaper
}

// BrokerReady reports whether a valid broker session exists, probed by
// the health gate.
func (e *Engine) BrokerReady(ctx context.Context) bool {
	if e.cfg.ForcePaper {
		return true // paper execution needs no session
	}
	return e.broker.SessionValid(ctx)
}

// PendingCount returns how many records have not reached the broker yet.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.records {
		if r.Status == domain.StatusPending {
			n++
		}
	}
	return n
}

// Counters returns running placed/filled/rejected totals.
func (e *Engine) Counters() (placed, filled, rejected int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed, e.filled, e.rejected
}

// Record returns a copy of an order record.
func (e *Engine) Record(id string) (domain.OrderRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return domain.OrderRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all order records.
func (e *Engine) Records() []domain.OrderRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	return out
}
