package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/compliance"
	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/execution"
	"github.com/alejandrodnm/tradepilot/internal/ports"
	"github.com/alejandrodnm/tradepilot/internal/positions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockBroker struct {
	mu         sync.Mutex
	placeErrs  []error // consumed one per PlaceOrder; nil = success
	placeCalls int
	cancels    []string
	session    bool
	fillNow    bool
	fillPrice  float64
}

func (m *mockBroker) PlaceOrder(_ context.Context, spec domain.OrderRequest) (domain.PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return domain.PlacedOrder{}, err
		}
	}
	return domain.PlacedOrder{
		BrokerRef:   "brk-" + spec.AllocationID + "-" + string(spec.Role),
		Status:      "accepted",
		Filled:      m.fillNow,
		FilledPrice: m.fillPrice,
	}, nil
}

func (m *mockBroker) CancelOrder(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, ref)
	return nil
}

func (m *mockBroker) SessionValid(context.Context) bool { return m.session }

func (m *mockBroker) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

type memStore struct {
	mu     sync.Mutex
	orders map[string]domain.OrderRecord
	fills  []domain.Fill
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]domain.OrderRecord)}
}

func (s *memStore) SaveSignal(context.Context, domain.Signal) error              { return nil }
func (s *memStore) MarkSignalRejected(context.Context, string, domain.Reason) error { return nil }
func (s *memStore) SaveAllocation(context.Context, domain.Allocation) error      { return nil }

func (s *memStore) SaveOrder(_ context.Context, rec domain.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[rec.ID] = rec
	return nil
}

func (s *memStore) UpdateOrder(_ context.Context, rec domain.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[rec.ID] = rec
	return nil
}

func (s *memStore) GetPendingOrders(context.Context) ([]domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, rec := range s.orders {
		if rec.Status == domain.StatusPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) SaveFill(_ context.Context, fill domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, fill)
	return nil
}

func (s *memStore) UpsertPosition(context.Context, domain.Position) error { return nil }
func (s *memStore) GetPositions(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}
func (s *memStore) SaveFeedEvent(context.Context, domain.FeedConnectionState) error { return nil }
func (s *memStore) SaveFeedBreaker(context.Context, domain.FeedBreaker) error       { return nil }
func (s *memStore) LoadFeedBreaker(context.Context) (domain.FeedBreaker, error) {
	return domain.FeedBreaker{}, nil
}
func (s *memStore) SaveDaily(context.Context, domain.DailySummary) error { return nil }
func (s *memStore) GetDailies(context.Context, time.Time, time.Time) ([]domain.DailySummary, error) {
	return nil, nil
}
func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) fillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

// --- helpers ---

func staticPrice(p float64) execution.PriceSource {
	return func(string) (float64, bool) { return p, true }
}

func fastConfig() execution.Config {
	return execution.Config{
		Workers:     2,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, Jitter: 0},
	}
}

func entryRequest(alloc string, mode domain.ProductMode) domain.OrderRequest {
	return domain.OrderRequest{
		AllocationID: alloc,
		AccountID:    "acc1",
		Symbol:       "RELIANCE",
		Side:         domain.SideBuy,
		Role:         domain.LegEntry,
		Quantity:     10,
		Price:        100,
		Mode:         mode,
	}
}

func bracket(alloc string, mode domain.ProductMode) []domain.OrderRequest {
	entry := entryRequest(alloc, mode)
	entry.OCOGroupID = "grp-" + alloc

	target := entry
	target.Role = domain.LegTarget
	target.Side = domain.SideSell
	target.Price = 101.5

	stop := entry
	stop.Role = domain.LegStop
	stop.Side = domain.SideSell
	stop.Price = 99.25

	return []domain.OrderRequest{entry, target, stop}
}

func recordByRole(e *execution.Engine, role domain.LegRole) (domain.OrderRecord, bool) {
	for _, rec := range e.Records() {
		if rec.Role == role {
			return rec, true
		}
	}
	return domain.OrderRecord{}, false
}

// --- tests ---

func TestEngine_PaperEntryFillsAtTickPrice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := positions.NewTracker()
	e := execution.New(&mockBroker{}, newMemStore(), tracker, compliance.NewOCOTable(), staticPrice(102.5), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, []domain.OrderRequest{entryRequest("a1", domain.ModePaper)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := recordByRole(e, domain.LegEntry)
		return ok && rec.Status == domain.StatusFilled
	}, time.Second, 5*time.Millisecond)

	rec, _ := recordByRole(e, domain.LegEntry)
	assert.InDelta(t, 102.5, rec.FilledPrice, 0.001)

	snap := tracker.Snapshot("acc1")
	require.Len(t, snap, 1)
	assert.Equal(t, int64(10), snap[0].NetQuantity)
	assert.InDelta(t, 102.5, snap[0].AveragePrice, 0.001)
}

func TestEngine_DuplicateFillAppliedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := positions.NewTracker()
	store := newMemStore()
	e := execution.New(&mockBroker{}, store, tracker, compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, []domain.OrderRequest{entryRequest("a1", domain.ModePaper)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.fillCount() == 1 }, time.Second, 5*time.Millisecond)

	rec, _ := recordByRole(e, domain.LegEntry)
	// Duplicate FILLED callback for an already-FILLED order is ignored.
	require.NoError(t, e.MarkFilled(ctx, rec.ID, 100))
	require.NoError(t, e.MarkFilled(ctx, rec.ID, 100))

	assert.Equal(t, 1, store.fillCount())
	snap := tracker.Snapshot("acc1")
	require.Len(t, snap, 1)
	assert.Equal(t, int64(10), snap[0].NetQuantity)
}

func TestEngine_DuplicateSubmissionIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := execution.New(&mockBroker{}, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	req := entryRequest("a1", domain.ModePaper)
	first, err := e.Submit(ctx, []domain.OrderRequest{req})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.Submit(ctx, []domain.OrderRequest{req})
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, e.Records(), 1)
}

func TestEngine_TransientErrorRetriedWithinBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := &ports.TransientError{Err: errors.New("gateway timeout")}
	broker := &mockBroker{placeErrs: []error{timeout, timeout, nil}, session: true}
	e := execution.New(broker, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, []domain.OrderRequest{entryRequest("a1", domain.ModeLive)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := recordByRole(e, domain.LegEntry)
		return ok && rec.Status == domain.StatusSubmitted
	}, time.Second, 5*time.Millisecond)

	rec, _ := recordByRole(e, domain.LegEntry)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, 3, broker.placeCalls)
}

func TestEngine_RetriesExhaustedRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := &ports.TransientError{Err: errors.New("gateway timeout")}
	broker := &mockBroker{placeErrs: []error{timeout, timeout, timeout}, session: true}
	e := execution.New(broker, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, []domain.OrderRequest{entryRequest("a1", domain.ModeLive)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := recordByRole(e, domain.LegEntry)
		return ok && rec.Status == domain.StatusRejected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, broker.placeCalls)
}

func TestEngine_TerminalRejectNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reject := &ports.TerminalError{Err: errors.New("invalid instrument")}
	broker := &mockBroker{placeErrs: []error{reject}, session: true}
	e := execution.New(broker, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, []domain.OrderRequest{entryRequest("a1", domain.ModeLive)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := recordByRole(e, domain.LegEntry)
		return ok && rec.Status == domain.StatusRejected
	}, time.Second, 5*time.Millisecond)

	rec, _ := recordByRole(e, domain.LegEntry)
	assert.Contains(t, rec.LastError, "invalid instrument")
	assert.Equal(t, 1, broker.placeCalls)
}

func TestEngine_OCOSiblingCancelledExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := &mockBroker{session: true}
	oco := compliance.NewOCOTable()
	e := execution.New(broker, newMemStore(), positions.NewTracker(), oco, staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, bracket("a1", domain.ModeLive))
	require.NoError(t, err)

	// Wait until all three legs are resting at the broker.
	require.Eventually(t, func() bool {
		placed, _, _ := e.Counters()
		return placed == 3
	}, time.Second, 5*time.Millisecond)

	target, ok := recordByRole(e, domain.LegTarget)
	require.True(t, ok)
	require.NoError(t, e.MarkFilled(ctx, target.ID, 101.5))

	stop, _ := recordByRole(e, domain.LegStop)
	assert.Equal(t, domain.StatusCancelled, stop.Status)
	assert.Equal(t, 1, broker.cancelCount())

	// Duplicate resolution events change nothing.
	require.NoError(t, e.MarkFilled(ctx, target.ID, 101.5))
	require.NoError(t, e.Cancel(ctx, stop.ID))
	assert.Equal(t, 1, broker.cancelCount())
}

func TestEngine_PaperTickCrossResolvesRestingLegs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := execution.New(&mockBroker{}, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, bracket("a1", domain.ModePaper))
	require.NoError(t, err)

	// Entry fills immediately; the protective legs rest SUBMITTED.
	require.Eventually(t, func() bool {
		target, ok1 := recordByRole(e, domain.LegTarget)
		stop, ok2 := recordByRole(e, domain.LegStop)
		return ok1 && ok2 &&
			target.Status == domain.StatusSubmitted &&
			stop.Status == domain.StatusSubmitted
	}, time.Second, 5*time.Millisecond)

	// Ticks that don't reach the target, or belong to another symbol,
	// leave both legs resting.
	require.NoError(t, e.ResolveRestingPaper(ctx, "RELIANCE", 101.0))
	require.NoError(t, e.ResolveRestingPaper(ctx, "TCS", 200))
	target, _ := recordByRole(e, domain.LegTarget)
	assert.Equal(t, domain.StatusSubmitted, target.Status)

	// A tick through the target fills it at the leg price and cancels
	// the stop.
	require.NoError(t, e.ResolveRestingPaper(ctx, "RELIANCE", 101.6))
	target, _ = recordByRole(e, domain.LegTarget)
	assert.Equal(t, domain.StatusFilled, target.Status)
	assert.InDelta(t, 101.5, target.FilledPrice, 0.001)
	stop, _ := recordByRole(e, domain.LegStop)
	assert.Equal(t, domain.StatusCancelled, stop.Status)

	// A later tick through the stop price must not revive the stop.
	require.NoError(t, e.ResolveRestingPaper(ctx, "RELIANCE", 99.0))
	stop, _ = recordByRole(e, domain.LegStop)
	assert.Equal(t, domain.StatusCancelled, stop.Status)
}

func TestEngine_EntryRejectCancelsProtectiveLegs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reject := &ports.TerminalError{Err: errors.New("rejected by rms")}
	broker := &mockBroker{placeErrs: []error{reject}, session: true}
	e := execution.New(broker, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)

	_, err := e.Submit(ctx, bracket("a1", domain.ModeLive))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		target, ok := recordByRole(e, domain.LegTarget)
		return ok && target.Status == domain.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	stop, _ := recordByRole(e, domain.LegStop)
	assert.Equal(t, domain.StatusCancelled, stop.Status)
	// Protective legs never reached the broker.
	assert.Equal(t, 1, broker.placeCalls)
}

func TestEngine_DecideMode(t *testing.T) {
	broker := &mockBroker{session: false}
	e := execution.New(broker, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	assert.Equal(t, domain.ModePaper, e.DecideMode(context.Background()))

	broker.session = true
	assert.Equal(t, domain.ModeLive, e.DecideMode(context.Background()))

	cfg := fastConfig()
	cfg.ForcePaper = true
	forced := execution.New(broker, newMemStore(), positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), cfg)
	assert.Equal(t, domain.ModePaper, forced.DecideMode(context.Background()))
}

func TestEngine_ResumePendingReenqueues(t *testing.T) {
	store := newMemStore()
	store.orders["stale"] = domain.OrderRecord{
		ID:           "stale",
		AllocationID: "a9",
		AccountID:    "acc1",
		Symbol:       "RELIANCE",
		Side:         domain.SideBuy,
		Role:         domain.LegEntry,
		Mode:         domain.ModePaper,
		Quantity:     5,
		Price:        100,
		Status:       domain.StatusPending,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := execution.New(&mockBroker{}, store, positions.NewTracker(), compliance.NewOCOTable(), staticPrice(100), fastConfig())
	e.Start(ctx)
	require.NoError(t, e.ResumePending(ctx))

	require.Eventually(t, func() bool {
		rec, ok := e.Record("stale")
		return ok && rec.Status == domain.StatusFilled
	}, time.Second, 5*time.Millisecond)

	// Short resumed IDs get the full-ID paper ref, never a truncated one.
	rec, _ := e.Record("stale")
	assert.Equal(t, "paper-stale", rec.BrokerRef)
}
