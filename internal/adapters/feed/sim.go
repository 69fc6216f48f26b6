package feed

// sim.go — feed simulado: genera ticks con un random walk suave.
//
// Emite un tick por símbolo en cada intervalo mientras la conexión
// está activa. Útil para desarrollo local y para el modo paper sin
// credenciales de feed.

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/alejandrodnm/tradepilot/internal/ports"
)

const (
	simTickEvery = 250 * time.Millisecond
	simDriftPct  = 0.002 // desviación máxima por tick
)

// Sim implementa ports.FeedClient sin red.
type Sim struct {
	mu      sync.Mutex
	prices  map[string]float64 // símbolo → último precio simulado
	symbols []string
	cancel  context.CancelFunc
	rng     *rand.Rand
}

// NewSim crea un feed simulado con precios iniciales por símbolo.
func NewSim(prices map[string]float64) *Sim {
	cp := make(map[string]float64, len(prices))
	for sym, px := range prices {
		cp[sym] = px
	}
	return &Sim{
		prices: cp,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect arranca el generador de ticks. Devuelve inmediatamente; los
// ticks llegan al handler desde una goroutine propia hasta Close o
// cancelación del contexto.
func (s *Sim) Connect(ctx context.Context, handler ports.TickHandler) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx, handler)
	return nil
}

func (s *Sim) Subscribe(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = append([]string(nil), symbols...)
	return nil
}

func (s *Sim) ForceDisconnect(context.Context) error {
	return s.Close()
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *Sim) run(ctx context.Context, handler ports.TickHandler) {
	ticker := time.NewTicker(simTickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, tick := range s.step(now) {
				handler(tick)
			}
		}
	}
}

// step avanza el random walk y devuelve un tick por símbolo suscrito.
func (s *Sim) step(now time.Time) []domain.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Tick, 0, len(s.symbols))
	for _, sym := range s.symbols {
		px, ok := s.prices[sym]
		if !ok {
			px = 100
		}
		px *= 1 + (s.rng.Float64()*2-1)*simDriftPct
		s.prices[sym] = px

		out = append(out, domain.Tick{
			Symbol:     sym,
			Price:      px,
			Size:       float64(1 + s.rng.Intn(100)),
			ReceivedAt: now,
		})
	}
	return out
}
