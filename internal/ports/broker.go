package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

// BrokerClient places and cancels real orders. The core never encodes
// the wire protocol; it only reacts to the success/transient/terminal
// classification of the errors this collaborator returns.
type BrokerClient interface {
	// PlaceOrder submits an order and returns the broker's reference.
	// A transient failure is reported via TransientError, a hard broker
	// rejection via TerminalError.
	PlaceOrder(ctx context.Context, spec domain.OrderRequest) (domain.PlacedOrder, error)

	// CancelOrder cancels a specific order by its broker reference.
	CancelOrder(ctx context.Context, brokerRef string) error

	// SessionValid reports whether a valid broker session exists.
	// Token acquisition and renewal are external to the core.
	SessionValid(ctx context.Context) bool
}

// TransientError marks a broker failure as retryable (timeout, 5xx).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a broker failure as non-retryable (rejected
// order, invalid instrument).
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTerminal reports whether err is a hard broker rejection.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
