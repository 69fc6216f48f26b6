package positions

// tracker.go — current positions and realized/unrealized P&L per
// account. Standard accounting: weighted average on increase, realized
// P&L on decrease. A fill crossing through zero realizes P&L on the
// closed portion and opens a fresh leg for the remainder in the same
// call. Updates are serialized per account; reads return copies.

import (
	"sync"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

type book struct {
	mu        sync.Mutex
	positions map[string]*domain.Position // symbol → position
}

// Tracker maintains per-account position books. Read-only for every
// component except the execution engine, which applies fills.
type Tracker struct {
	mu    sync.RWMutex
	books map[string]*book // accountID → book
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{books: make(map[string]*book)}
}

func (t *Tracker) bookFor(accountID string) *book {
	t.mu.RLock()
	b, ok := t.books[accountID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.books[accountID]; ok {
		return b
	}
	b = &book{positions: make(map[string]*domain.Position)}
	t.books[accountID] = b
	return b
}

// ApplyFill updates the account's position with one fill and returns
// the resulting position.
func (t *Tracker) ApplyFill(fill domain.Fill) domain.Position {
	b := t.bookFor(fill.AccountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[fill.Symbol]
	if !ok {
		pos = &domain.Position{AccountID: fill.AccountID, Symbol: fill.Symbol}
		b.positions[fill.Symbol] = pos
	}

	delta := fill.Quantity
	if fill.Side == domain.SideSell {
		delta = -delta
	}

	cur := pos.NetQuantity
	switch {
	case cur == 0 || sameSign(cur, delta):
		// Increase: weighted average price.
		total := abs(cur) + abs(delta)
		pos.AveragePrice = (pos.AveragePrice*float64(abs(cur)) + fill.Price*float64(abs(delta))) / float64(total)
		pos.NetQuantity = cur + delta

	case abs(delta) <= abs(cur):
		// Decrease: realize P&L on the closed portion, average holds.
		closed := abs(delta)
		pos.RealizedPnL += realized(pos.AveragePrice, fill.Price, closed, cur > 0)
		pos.NetQuantity = cur + delta
		if pos.NetQuantity == 0 {
			pos.AveragePrice = 0
		}

	default:
		// Flip through zero: close the whole old leg, open the
		// remainder at the fill price.
		closed := abs(cur)
		pos.RealizedPnL += realized(pos.AveragePrice, fill.Price, closed, cur > 0)
		pos.NetQuantity = cur + delta
		pos.AveragePrice = fill.Price
	}

	t.markLocked(pos, fill.Price)
	return *pos
}

// Mark updates unrealized P&L for every account holding the symbol.
func (t *Tracker) Mark(symbol string, price float64) {
	t.mu.RLock()
	books := make([]*book, 0, len(t.books))
	for _, b := range t.books {
		books = append(books, b)
	}
	t.mu.RUnlock()

	for _, b := range books {
		b.mu.Lock()
		if pos, ok := b.positions[symbol]; ok {
			t.markLocked(pos, price)
		}
		b.mu.Unlock()
	}
}

func (t *Tracker) markLocked(pos *domain.Position, price float64) {
	if pos.NetQuantity == 0 {
		pos.UnrealizedPnL = 0
		return
	}
	pos.UnrealizedPnL = (price - pos.AveragePrice) * float64(pos.NetQuantity)
}

// Snapshot returns copies of the account's positions.
func (t *Tracker) Snapshot(accountID string) []domain.Position {
	t.mu.RLock()
	b, ok := t.books[accountID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// All returns copies of every position across accounts.
func (t *Tracker) All() []domain.Position {
	t.mu.RLock()
	ids := make([]string, 0, len(t.books))
	for id := range t.books {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var out []domain.Position
	for _, id := range ids {
		out = append(out, t.Snapshot(id)...)
	}
	return out
}

// GrossExposure implements the compliance gate's exposure check.
func (t *Tracker) GrossExposure(accountID string) float64 {
	total := 0.0
	for _, pos := range t.Snapshot(accountID) {
		total += pos.GrossExposure()
	}
	return total
}

// RealizedTotal sums realized P&L across all accounts.
func (t *Tracker) RealizedTotal() float64 {
	total := 0.0
	for _, pos := range t.All() {
		total += pos.RealizedPnL
	}
	return total
}

func realized(avg, price float64, qty int64, long bool) float64 {
	if long {
		return (price - avg) * float64(qty)
	}
	return (avg - price) * float64(qty)
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
