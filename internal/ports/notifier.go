package ports

import (
	"context"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

// Notifier presenta el estado de cada ciclo al operador.
type Notifier interface {
	// Notify reports the outcome of one evaluation cycle.
	// En la implementación de consola, imprime una tabla formateada.
	Notify(ctx context.Context, report domain.CycleReport) error
}
