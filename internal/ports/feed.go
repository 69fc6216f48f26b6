package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

// ErrSessionInUse is returned by Connect when the remote reports the
// feed session is already active elsewhere. The supervisor never
// retries this automatically.
var ErrSessionInUse = errors.New("feed session already in use")

// TickHandler receives ticks while the feed is connected.
type TickHandler func(domain.Tick)

// FeedClient is the external market-data connection. Credential
// acquisition and renewal are external; the supervisor only consumes
// an established client.
type FeedClient interface {
	// Connect opens the feed connection and starts delivering ticks to
	// the handler. Returns ErrSessionInUse on an exclusive-session
	// conflict; any other error is treated as transient.
	Connect(ctx context.Context, handler TickHandler) error

	// Subscribe registers the symbols whose ticks should be delivered.
	Subscribe(ctx context.Context, symbols []string) error

	// ForceDisconnect tears down the remote session, including one held
	// by another client. Required before reconnecting after
	// ErrSessionInUse.
	ForceDisconnect(ctx context.Context) error

	// Close closes the local connection.
	Close() error
}
