package domain

import "time"

// Side is the direction of a trade signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is a candidate trade emitted by a strategy unit.
// Immutable once emitted; consumed at most once by the compliance gate.
type Signal struct {
	ID          string // UUID assigned by the aggregator
	StrategyID  string
	Symbol      string
	Side        Side
	Quantity    int64   // suggested whole units
	Price       float64 // suggested limit price
	Confidence  float64 // 0..1
	GeneratedAt time.Time
	Rationale   string
}

// Tick is the latest observed market data point for a symbol.
type Tick struct {
	Symbol     string
	Price      float64
	Size       float64
	ReceivedAt time.Time
}
