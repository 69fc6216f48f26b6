package strategy

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
)

const momentumName = "momentum"

// Momentum implementa una estrategia de momentum simple sobre el último
// precio: mantiene una media móvil exponencial por símbolo y emite una
// señal cuando el precio se desvía de la media más que el umbral.
// Sirve como estrategia de referencia del pipeline; estrategias reales
// se registran igual vía ports.Strategy.
type Momentum struct {
	threshold float64 // desviación relativa mínima para emitir, e.g. 0.01
	alpha     float64 // factor de suavizado de la EMA
	orderQty  int64

	mu  sync.Mutex
	ema map[string]float64
}

// MomentumConfig configura la estrategia.
type MomentumConfig struct {
	Threshold float64 // default 0.01
	Alpha     float64 // default 0.2
	OrderQty  int64   // default 10
}

// NewMomentum crea la estrategia con la configuración dada.
func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.01
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.2
	}
	if cfg.OrderQty <= 0 {
		cfg.OrderQty = 10
	}
	return &Momentum{
		threshold: cfg.Threshold,
		alpha:     cfg.Alpha,
		orderQty:  cfg.OrderQty,
		ema:       make(map[string]float64),
	}
}

// ID implementa ports.Strategy.
func (s *Momentum) ID() string { return momentumName }

// Evaluate implementa ports.Strategy. Actualiza la EMA de cada símbolo
// y emite una señal BUY/SELL cuando la desviación supera el umbral.
func (s *Momentum) Evaluate(_ context.Context, ticks map[string]domain.Tick) ([]domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var signals []domain.Signal
	for symbol, tick := range ticks {
		prev, seen := s.ema[symbol]
		if !seen {
			// Primer tick: solo sembrar la media
			s.ema[symbol] = tick.Price
			continue
		}

		ema := prev + s.alpha*(tick.Price-prev)
		s.ema[symbol] = ema

		deviation := (tick.Price - ema) / ema
		if math.Abs(deviation) < s.threshold {
			continue
		}

		side := domain.SideBuy
		if deviation < 0 {
			side = domain.SideSell
		}

		signals = append(signals, domain.Signal{
			StrategyID:  momentumName,
			Symbol:      symbol,
			Side:        side,
			Quantity:    s.orderQty,
			Price:       tick.Price,
			Confidence:  math.Min(1, math.Abs(deviation)/s.threshold/2),
			GeneratedAt: time.Now(),
			Rationale:   "price deviated from EMA beyond threshold",
		})
	}
	return signals, nil
}
