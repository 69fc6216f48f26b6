package domain

// Position is the current holding of one account in one symbol.
// Positive NetQuantity is long, negative is short. Mutated only by the
// position tracker on FILLED transitions; read-only everywhere else.
type Position struct {
	AccountID     string
	Symbol        string
	NetQuantity   int64
	AveragePrice  float64
	RealizedPnL   float64
	UnrealizedPnL float64
}

// GrossExposure returns the absolute notional value of the position at
// its average price, used by the compliance gate's exposure check.
func (p Position) GrossExposure() float64 {
	q := p.NetQuantity
	if q < 0 {
		q = -q
	}
	return float64(q) * p.AveragePrice
}
