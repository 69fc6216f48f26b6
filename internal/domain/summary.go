package domain

import "time"

// CycleReport contains everything produced by one evaluation cycle,
// handed to the notifier after the drain completes.
type CycleReport struct {
	At           time.Time
	Readiness    SessionReadiness
	Feed         FeedConnectionState
	SignalsSeen  int
	Allocated    int
	Rejected     map[Reason]int
	OrdersPlaced int
	OrdersFilled int
	Positions    []Position
	RealizedPnL  float64
	Warnings     []string
}

// DailySummary is the per-day aggregate persisted after each cycle.
type DailySummary struct {
	Date             time.Time
	SignalsSeen      int
	SignalsAllocated int
	SignalsRejected  int
	OrdersPlaced     int
	OrdersFilled     int
	OrdersRejected   int
	RealizedPnL      float64
	CapitalDeployed  float64
}
