package domain

import "time"

// Allocation is the portion of a Signal's quantity assigned to one
// capital-holding account. The sum of allocation quantities across
// accounts never exceeds the signal's suggested quantity.
type Allocation struct {
	ID            string // UUID
	SignalID      string
	AccountID     string
	Quantity      int64
	CapitalWeight float64 // this account's share of eligible capital at allocation time
	CooldownUntil time.Time
	CreatedAt     time.Time
}

// Account is a capital-holding account eligible to receive allocations.
type Account struct {
	ID            string
	Capital       float64 // available capital in quote currency
	ExposureCap   float64 // max gross exposure allowed, 0 = unlimited
	CooldownUntil time.Time
}

// Eligible reports whether the account may receive an allocation at t.
func (a Account) Eligible(t time.Time) bool {
	return a.Capital > 0 && !t.Before(a.CooldownUntil)
}
