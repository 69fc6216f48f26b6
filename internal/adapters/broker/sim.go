package broker

// sim.go — broker simulado para desarrollo y paper trading.
//
// Acepta toda orden, rellena los ENTRY inmediatamente al precio pedido
// y deja los legs protectores abiertos. No habla con ningún broker
// real: sirve para ejercitar el pipeline completo sin sesión.

import (
	"context"
	"fmt"
	"sync"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/google/uuid"
)

// Sim implementa ports.BrokerClient sin red.
type Sim struct {
	session bool

	mu        sync.Mutex
	placed    []domain.OrderRequest
	cancelled []string
}

// NewSim crea un broker simulado. session controla lo que responde
// SessionValid, para probar la degradación LIVE → PAPER.
func NewSim(session bool) *Sim {
	return &Sim{session: session}
}

func (s *Sim) PlaceOrder(_ context.Context, spec domain.OrderRequest) (domain.PlacedOrder, error) {
	s.mu.Lock()
	s.placed = append(s.placed, spec)
	s.mu.Unlock()

	placed := domain.PlacedOrder{
		BrokerRef: fmt.Sprintf("sim-%s", uuid.NewString()[:8]),
		Status:    "ACCEPTED",
	}
	if spec.Role == domain.LegEntry {
		placed.Filled = true
		placed.FilledPrice = spec.Price
	}
	return placed, nil
}

func (s *Sim) CancelOrder(_ context.Context, brokerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, brokerRef)
	return nil
}

func (s *Sim) SessionValid(context.Context) bool { return s.session }

// Placed devuelve una copia de las órdenes recibidas.
func (s *Sim) Placed() []domain.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderRequest(nil), s.placed...)
}

// Cancelled devuelve los broker refs cancelados.
func (s *Sim) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}
