package execution

// submit.go — request intake, broker submission, fills and OCO
// resolution. Within one allocation the ENTRY leg must be accepted by
// the broker before its TARGET/STOP siblings are submitted, so legs of
// one allocation travel together as a single pool job.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/ports"
	"github.com/google/uuid"
)

// Submit creates PENDING records for one allocation's legs and hands
// them to the pool. Requests whose idempotency key was already seen
// are skipped, so a retried submission never double-executes.
func (e *Engine) Submit(ctx context.Context, reqs []domain.OrderRequest) ([]domain.OrderRecord, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(reqs))
	out := make([]domain.OrderRecord, 0, len(reqs))

	e.mu.Lock()
	for _, req := range reqs {
		key := req.IdempotencyKey()
		if existingID, dup := e.byIdem[key]; dup {
			slog.Warn("execution: duplicate submission ignored",
				"idempotency_key", key, "record", existingID)
			continue
		}

		rec := &domain.OrderRecord{
			ID:           uuid.New().String(),
			AllocationID: req.AllocationID,
			AccountID:    req.AccountID,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Role:         req.Role,
			Mode:         req.Mode,
			OCOGroupID:   req.OCOGroupID,
			Quantity:     req.Quantity,
			Price:        req.Price,
			Status:       domain.StatusPending,
			CreatedAt:    e.now(),
		}
		e.records[rec.ID] = rec
		e.byIdem[key] = rec.ID
		ids = append(ids, rec.ID)
		out = append(out, *rec)
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return nil, nil
	}

	// Durable before execution: a crash after this point leaves the
	// legs PENDING for resume, never silently dropped.
	for _, rec := range out {
		if err := e.store.SaveOrder(ctx, rec); err != nil {
			return out, fmt.Errorf("execution.Submit: save order: %w", err)
		}
	}

	select {
	case e.jobs <- ids:
	case <-ctx.Done():
		return out, ctx.Err()
	}
	return out, nil
}

// ResumePending re-enqueues PENDING records found in storage, grouped
// by allocation, after a restart.
func (e *Engine) ResumePending(ctx context.Context) error {
	pending, err := e.store.GetPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("execution.ResumePending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	byAlloc := make(map[string][]string)
	e.mu.Lock()
	for i := range pending {
		rec := pending[i]
		e.records[rec.ID] = &rec
		e.byIdem[rec.AllocationID+"/"+string(rec.Role)] = rec.ID
		byAlloc[rec.AllocationID] = append(byAlloc[rec.AllocationID], rec.ID)
	}
	e.mu.Unlock()

	for _, ids := range byAlloc {
		select {
		case e.jobs <- ids:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("execution: resumed pending orders", "orders", len(pending))
	return nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ids := <-e.jobs:
			e.processGroup(ctx, ids)
		}
	}
}

// processGroup executes one allocation's legs in order: ENTRY first,
// protective siblings only after the entry is accepted.
func (e *Engine) processGroup(ctx context.Context, ids []string) {
	var entry string
	var rest []string
	for _, id := range ids {
		rec, ok := e.Record(id)
		if !ok {
			continue
		}
		if rec.Role == domain.LegEntry {
			entry = id
		} else {
			rest = append(rest, id)
		}
	}

	if entry != "" {
		if err := e.execute(ctx, entry); err != nil {
			// Entry never executed: the protective legs are moot.
			rec, _ := e.Record(entry)
			for _, id := range rest {
				e.transition(ctx, id, func(r *domain.OrderRecord) {
					r.Status = domain.StatusCancelled
					r.LastError = "entry leg not accepted"
				})
			}
			if rec.OCOGroupID != "" {
				e.oco.Drop(rec.OCOGroupID)
			}
			return
		}
	}

	for _, id := range rest {
		if err := e.execute(ctx, id); err != nil {
			slog.Warn("execution: protective leg failed", "record", id, "err", err)
		}
	}

	// Link protective legs once both exist so either resolution
	// cancels the sibling exactly once.
	if len(rest) == 2 {
		rec, _ := e.Record(rest[0])
		if rec.OCOGroupID != "" {
			e.oco.Link(rec.OCOGroupID, rest[0], rest[1])
		}
	}
}

// execute submits one leg to the broker (or simulates it in PAPER
// mode), retrying transient failures with backoff up to the bound.
func (e *Engine) execute(ctx context.Context, id string) error {
	rec, ok := e.Record(id)
	if !ok {
		return fmt.Errorf("execution.execute: unknown record %s", id)
	}
	if rec.Status.Terminal() {
		return nil
	}

	if rec.Mode == domain.ModePaper {
		return e.executePaper(ctx, rec)
	}
	return e.executeLive(ctx, rec)
}

// executePaper simulates a fill at the last known tick price.
func (e *Engine) executePaper(ctx context.Context, rec domain.OrderRecord) error {
	price, ok := e.price(rec.Symbol)
	if !ok {
		price = rec.Price // no tick yet: fill at the requested price
	}

	now := e.now()
	e.transition(ctx, rec.ID, func(r *domain.OrderRecord) {
		r.Status = domain.StatusSubmitted
		r.BrokerRef = "paper-" + r.ID
		r.SubmittedAt = &now
	})

	// Entry legs fill immediately in simulation; protective legs rest
	// in the book until ResolveRestingPaper sees a tick cross them.
	if rec.Role == domain.LegEntry {
		return e.MarkFilled(ctx, rec.ID, price)
	}
	return nil
}

// ResolveRestingPaper walks the resting paper protective legs for a
// symbol and fills every one the given price has crossed, at the leg's
// own price. The fill path cancels the OCO sibling, so at most one leg
// of a bracket resolves. Called by the controller on every tick.
func (e *Engine) ResolveRestingPaper(ctx context.Context, symbol string, price float64) error {
	e.mu.Lock()
	var crossed []domain.OrderRecord
	for _, rec := range e.records {
		if rec.Mode != domain.ModePaper || rec.Symbol != symbol {
			continue
		}
		if rec.Status != domain.StatusSubmitted || rec.Role == domain.LegEntry {
			continue
		}
		if paperLegCrossed(*rec, price) {
			crossed = append(crossed, *rec)
		}
	}
	e.mu.Unlock()

	for _, rec := range crossed {
		// MarkFilled re-checks state under lock, so a leg whose OCO
		// sibling just cancelled it is a no-op here.
		if err := e.MarkFilled(ctx, rec.ID, rec.Price); err != nil {
			return fmt.Errorf("execution.ResolveRestingPaper: record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// paperLegCrossed reports whether a tick price has reached a resting
// protective leg. Legs carry the exit side: a SELL target rests above
// the entry and a SELL stop below; BUY exits are mirrored.
func paperLegCrossed(rec domain.OrderRecord, price float64) bool {
	switch {
	case rec.Role == domain.LegTarget && rec.Side == domain.SideSell:
		return price >= rec.Price
	case rec.Role == domain.LegStop && rec.Side == domain.SideSell:
		return price <= rec.Price
	case rec.Role == domain.LegTarget && rec.Side == domain.SideBuy:
		return price <= rec.Price
	case rec.Role == domain.LegStop && rec.Side == domain.SideBuy:
		return price >= rec.Price
	}
	return false
}

// executeLive submits against the real broker.
func (e *Engine) executeLive(ctx context.Context, rec domain.OrderRecord) error {
	req := domain.OrderRequest{
		AllocationID: rec.AllocationID,
		AccountID:    rec.AccountID,
		Symbol:       rec.Symbol,
		Side:         rec.Side,
		Role:         rec.Role,
		Quantity:     rec.Quantity,
		Price:        rec.Price,
		Mode:         rec.Mode,
		OCOGroupID:   rec.OCOGroupID,
	}

	var placed domain.PlacedOrder
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		placed, lastErr = e.broker.PlaceOrder(ctx, req)
		if lastErr == nil {
			break
		}

		if ports.IsTerminal(lastErr) {
			e.transition(ctx, rec.ID, func(r *domain.OrderRecord) {
				r.Status = domain.StatusRejected
				r.LastError = lastErr.Error()
				r.Retries = attempt - 1
			})
			slog.Warn("execution: TERMINAL_REJECT",
				"record", rec.ID, "symbol", rec.Symbol, "err", lastErr)
			return lastErr
		}

		// TRANSIENT_IO: back off and retry up to the bound.
		e.transition(ctx, rec.ID, func(r *domain.OrderRecord) {
			r.Retries = attempt
			r.LastError = lastErr.Error()
		})
		if attempt < e.cfg.MaxAttempts {
			wait := e.cfg.Backoff.Next(attempt)
			slog.Debug("execution: transient broker error, retrying",
				"record", rec.ID, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if lastErr != nil {
		e.transition(ctx, rec.ID, func(r *domain.OrderRecord) {
			r.Status = domain.StatusRejected
			r.LastError = lastErr.Error()
		})
		slog.Warn("execution: retries exhausted",
			"record", rec.ID, "attempts", e.cfg.MaxAttempts, "err", lastErr)
		return lastErr
	}

	now := e.now()
	e.mu.Lock()
	e.byBrokerRef[placed.BrokerRef] = rec.ID
	e.mu.Unlock()
	e.transition(ctx, rec.ID, func(r *domain.OrderRecord) {
		r.Status = domain.StatusSubmitted
		r.BrokerRef = placed.BrokerRef
		r.SubmittedAt = &now
	})

	if placed.Filled {
		return e.MarkFilled(ctx, rec.ID, placed.FilledPrice)
	}
	return nil
}

// MarkFilled transitions a record to FILLED and applies the fill to
// the position tracker exactly once. A duplicate callback for an
// already-FILLED order is ignored — the record's own state transition
// is the idempotency guard.
func (e *Engine) MarkFilled(ctx context.Context, id string, price float64) error {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	now := e.now()
	rec.Status = domain.StatusFilled
	rec.FilledPrice = price
	rec.ResolvedAt = &now
	e.filled++
	snapshot := *rec
	e.mu.Unlock()

	// Durable write before the fill is visible anywhere else.
	if err := e.store.UpdateOrder(ctx, snapshot); err != nil {
		return fmt.Errorf("execution.MarkFilled: update order: %w", err)
	}

	fill := domain.Fill{
		OrderID:   snapshot.ID,
		AccountID: snapshot.AccountID,
		Symbol:    snapshot.Symbol,
		Side:      snapshot.Side,
		Quantity:  snapshot.Quantity,
		Price:     price,
		Timestamp: now,
	}
	if err := e.store.SaveFill(ctx, fill); err != nil {
		slog.Warn("execution: error saving fill", "record", snapshot.ID, "err", err)
	}

	pos := e.tracker.ApplyFill(fill)
	if err := e.store.UpsertPosition(ctx, pos); err != nil {
		slog.Warn("execution: error saving position", "record", snapshot.ID, "err", err)
	}

	slog.Info("execution: order filled",
		"record", snapshot.ID,
		"symbol", snapshot.Symbol,
		"role", snapshot.Role,
		"qty", snapshot.Quantity,
		"price", price,
	)

	e.resolveProtective(ctx, snapshot)
	return nil
}

// MarkFilledByBrokerRef routes a live fill callback to its record.
func (e *Engine) MarkFilledByBrokerRef(ctx context.Context, brokerRef string, price float64) error {
	e.mu.Lock()
	id, ok := e.byBrokerRef[brokerRef]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution: unknown broker ref %q", brokerRef)
	}
	return e.MarkFilled(ctx, id, price)
}

// Cancel moves a non-terminal record to CANCELLED, cancelling at the
// broker when it was already submitted.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	rec, ok := e.Record(id)
	if !ok || rec.Status.Terminal() {
		return nil // cancelling an already-terminal leg is a no-op
	}

	if rec.Mode == domain.ModeLive && rec.BrokerRef != "" {
		if err := e.broker.CancelOrder(ctx, rec.BrokerRef); err != nil {
			slog.Warn("execution: broker cancel failed",
				"record", id, "broker_ref", rec.BrokerRef, "err", err)
		}
	}
	e.transition(ctx, id, func(r *domain.OrderRecord) {
		r.Status = domain.StatusCancelled
	})
	e.resolveProtective(ctx, rec)
	return nil
}

// resolveProtective cancels the OCO sibling when a TARGET or STOP leg
// reaches a terminal state. The table guarantees exactly one winner.
func (e *Engine) resolveProtective(ctx context.Context, rec domain.OrderRecord) {
	if rec.OCOGroupID == "" || rec.Role == domain.LegEntry {
		return
	}
	sibling, ok := e.oco.Resolve(rec.OCOGroupID, rec.ID)
	if !ok {
		return
	}
	slog.Info("execution: OCO resolved, cancelling sibling",
		"group", rec.OCOGroupID, "resolved", rec.ID, "sibling", sibling)
	if err := e.Cancel(ctx, sibling); err != nil {
		slog.Warn("execution: error cancelling OCO sibling", "record", sibling, "err", err)
	}
}

// transition applies a mutation to a record under lock and persists
// the result. No-op for terminal records.
func (e *Engine) transition(ctx context.Context, id string, mut func(*domain.OrderRecord)) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	prev := rec.Status
	mut(rec)
	if rec.Status != prev {
		switch rec.Status {
		case domain.StatusSubmitted:
			e.placed++
		case domain.StatusRejected:
			e.rejected++
		case domain.StatusCancelled, domain.StatusFilled:
			if rec.ResolvedAt == nil {
				now := e.now()
				rec.ResolvedAt = &now
			}
		}
	}
	snapshot := *rec
	e.mu.Unlock()

	if err := e.store.UpdateOrder(ctx, snapshot); err != nil {
		slog.Warn("execution: error persisting order transition",
			"record", id, "status", snapshot.Status, "err", err)
	}
}
