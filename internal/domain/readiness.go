package domain

import "time"

// SessionReadiness is the aggregate precondition for placing orders.
type SessionReadiness struct {
	MarketOpen       bool
	FeedReady        bool
	BrokerReady      bool
	PersistenceReady bool
	EvaluatedAt      time.Time
}

// CanTrade is false if any readiness flag is false or the market
// session is closed.
func (r SessionReadiness) CanTrade() bool {
	return r.MarketOpen && r.FeedReady && r.BrokerReady && r.PersistenceReady
}
