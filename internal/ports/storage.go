package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

// Storage persists trading state through a generic append/upsert
// interface. The core does not assume a specific engine, only that
// writes are durable before an order is reported FILLED to callers.
type Storage interface {
	// Signals and their audit trail.
	SaveSignal(ctx context.Context, sig domain.Signal) error
	MarkSignalRejected(ctx context.Context, signalID string, reason domain.Reason) error

	// Allocations.
	SaveAllocation(ctx context.Context, alloc domain.Allocation) error

	// Orders and fills.
	SaveOrder(ctx context.Context, rec domain.OrderRecord) error
	UpdateOrder(ctx context.Context, rec domain.OrderRecord) error
	GetPendingOrders(ctx context.Context) ([]domain.OrderRecord, error)
	SaveFill(ctx context.Context, fill domain.Fill) error

	// Positions.
	UpsertPosition(ctx context.Context, pos domain.Position) error
	GetPositions(ctx context.Context, accountID string) ([]domain.Position, error)

	// Feed connection audit and breaker state.
	SaveFeedEvent(ctx context.Context, state domain.FeedConnectionState) error
	SaveFeedBreaker(ctx context.Context, b domain.FeedBreaker) error
	LoadFeedBreaker(ctx context.Context) (domain.FeedBreaker, error)

	// Daily summaries.
	SaveDaily(ctx context.Context, d domain.DailySummary) error
	GetDailies(ctx context.Context, from, to time.Time) ([]domain.DailySummary, error)

	// Ping verifies the store is reachable, for the health gate.
	Ping(ctx context.Context) error

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
