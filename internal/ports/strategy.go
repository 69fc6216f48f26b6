package ports

import (
	"context"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

// Strategy define el contrato para evaluar market data y emitir señales.
// Cualquier componente que lo implemente puede registrarse en el
// aggregator; el core es polimórfico sobre esta capability.
type Strategy interface {
	// ID identifies the strategy in signals and logs.
	ID() string

	// Evaluate inspects the latest ticks and returns zero or more
	// candidate signals. Called on every aggregator tick; must not
	// block on I/O.
	Evaluate(ctx context.Context, ticks map[string]domain.Tick) ([]domain.Signal, error)
}
