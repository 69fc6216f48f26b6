package domain

import (
	"fmt"
	"time"
)

// LegRole distinguishes the entry leg from its protective siblings.
type LegRole string

const (
	LegEntry  LegRole = "ENTRY"
	LegTarget LegRole = "TARGET"
	LegStop   LegRole = "STOP"
)

// ProductMode selects real or simulated execution. Decided once per
// request, never switched mid-flight.
type ProductMode string

const (
	ModeLive  ProductMode = "LIVE"
	ModePaper ProductMode = "PAPER"
)

// OrderStatus is the lifecycle of an order record. FILLED, REJECTED and
// CANCELLED are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// OrderRequest is one broker order derived from an approved allocation.
// ENTRY legs spawn paired TARGET/STOP legs sharing an OCO group id.
type OrderRequest struct {
	AllocationID string
	AccountID    string
	Symbol       string
	Side         Side
	Role         LegRole
	Quantity     int64
	Price        float64
	Mode         ProductMode
	OCOGroupID   string // empty for standalone orders
}

// IdempotencyKey identifies a request across retries so a resubmission
// against the broker never double-executes.
func (r OrderRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s", r.AllocationID, r.Role)
}

// OrderRecord is the engine's view of a submitted order. Created and
// mutated only by the execution engine; immutable once terminal.
type OrderRecord struct {
	ID           string // local UUID
	AllocationID string
	AccountID    string
	Symbol       string
	Side         Side
	Role         LegRole
	Mode         ProductMode
	OCOGroupID   string
	Quantity     int64
	Price        float64
	Status       OrderStatus
	BrokerRef    string
	Retries      int
	LastError    string
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	ResolvedAt   *time.Time // set on FILLED / REJECTED / CANCELLED
	FilledPrice  float64
}

// PlacedOrder is the broker's response after accepting an order.
type PlacedOrder struct {
	BrokerRef   string
	Status      string
	Filled      bool    // true if the broker reports an immediate fill
	FilledPrice float64 // fill price when Filled
}

// Fill is a fill event applied to the position tracker.
type Fill struct {
	OrderID   string
	AccountID string
	Symbol    string
	Side      Side
	Quantity  int64
	Price     float64
	Timestamp time.Time
}
