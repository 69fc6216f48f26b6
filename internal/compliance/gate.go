package compliance

// gate.go — compliance & allocation gate.
//
// Sits between the aggregator and the execution engine. For every
// drained signal it enforces, in order: session readiness, the rolling
// order-rate ceiling, and fair pro-rata allocation across eligible
// accounts. Approved allocations fan out into ENTRY plus protective
// TARGET/STOP legs sharing an OCO group. Rejections are wholesale and
// always carry a machine-readable reason.

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultCeiling     = 7
	defaultMinInterval = 300 * time.Second
	defaultTargetPct   = 0.015
	defaultStopPct     = 0.0075
)

// ExposureReader supplies per-account gross exposure for the cap check.
// Implemented by the position tracker; read-only here.
type ExposureReader interface {
	GrossExposure(accountID string) float64
}

// Config controls ceiling, cooldown rotation and protective leg offsets.
type Config struct {
	MaxOrdersPerWindow int           // rolling ceiling, default 7
	Window             time.Duration // rolling span, default 1s
	MinInterval        time.Duration // per-account cooldown, default 300s
	TargetPct          float64       // protective target offset; 0 disables brackets
	StopPct            float64       // protective stop offset; 0 disables brackets
}

// DefaultConfig devuelve una configuración sensata para producción.
func DefaultConfig() Config {
	return Config{
		MaxOrdersPerWindow: defaultCeiling,
		Window:             time.Second,
		MinInterval:        defaultMinInterval,
		TargetPct:          defaultTargetPct,
		StopPct:            defaultStopPct,
	}
}

// Result is the gate's verdict on one signal. Partial success — some
// accounts allocated, others skipped as ineligible — is normal and not
// an error; Rejected is only set on wholesale rejection.
type Result struct {
	Allocations []domain.Allocation
	Requests    []domain.OrderRequest
	Rejected    bool
	Reason      domain.Reason
}

// Gate enforces compliance limits and splits signals across accounts.
type Gate struct {
	cfg      Config
	window   *RateWindow
	exposure ExposureReader
	now      func() time.Time

	mu       sync.Mutex
	accounts map[string]*domain.Account
}

// New creates a gate. exposure may be nil if no cap check is wanted.
func New(cfg Config, exposure ExposureReader) *Gate {
	if cfg.MaxOrdersPerWindow <= 0 {
		cfg.MaxOrdersPerWindow = defaultCeiling
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	return &Gate{
		cfg:      cfg,
		window:   NewRateWindow(cfg.MaxOrdersPerWindow, cfg.Window),
		exposure: exposure,
		now:      time.Now,
		accounts: make(map[string]*domain.Account),
	}
}

// SetClock overrides the time source, for tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// UpsertAccount registers or updates a capital-holding account.
func (g *Gate) UpsertAccount(a domain.Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.accounts[a.ID]
	if ok {
		// Preserve an active cooldown unless the update extends it.
		if a.CooldownUntil.Before(existing.CooldownUntil) {
			a.CooldownUntil = existing.CooldownUntil
		}
	}
	g.accounts[a.ID] = &a
}

// Accounts returns a snapshot of the registered accounts.
func (g *Gate) Accounts() []domain.Account {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Account, 0, len(g.accounts))
	for _, a := range g.accounts {
		out = append(out, *a)
	}
	return out
}

// Process gates one signal. ready is the health gate's verdict for the
// current tick; mode is the execution mode decided by the engine.
func (g *Gate) Process(sig domain.Signal, ready bool, mode domain.ProductMode) Result {
	if !ready {
		return g.reject(sig, domain.ReasonBlockedNotReady)
	}

	now := g.now()
	eligible, totalCapital := g.eligibleAccounts(now, sig.Symbol)
	if len(eligible) == 0 || totalCapital <= 0 {
		return g.reject(sig, domain.ReasonNoEligibleAccounts)
	}

	// Pro-rata split, floored to whole units; the remainder is
	// discarded, never over-allocated. Zero-unit accounts are excluded
	// and their cooldown untouched.
	type cut struct {
		account *domain.Account
		weight  float64
		qty     int64
	}
	var cuts []cut
	for _, a := range eligible {
		weight := a.Capital / totalCapital
		qty := int64(math.Floor(float64(sig.Quantity) * weight))
		if qty < 1 {
			continue
		}
		cuts = append(cuts, cut{account: a, weight: weight, qty: qty})
	}
	if len(cuts) == 0 {
		return g.reject(sig, domain.ReasonNoEligibleAccounts)
	}

	bracket := g.cfg.TargetPct > 0 && g.cfg.StopPct > 0
	legsPerAlloc := 1
	if bracket {
		legsPerAlloc = 3
	}

	// Admit per cut: accounts that no longer fit under the rolling
	// ceiling are skipped this signal with their cooldown untouched,
	// so they stay first in line for the next one. Only a signal that
	// places zero cuts is rejected wholesale.
	res := Result{}
	trimmed := 0
	for _, c := range cuts {
		if !g.window.Admit(legsPerAlloc, now) {
			trimmed++
			continue
		}
		cooldown := now.Add(g.cfg.MinInterval)
		alloc := domain.Allocation{
			ID:            uuid.New().String(),
			SignalID:      sig.ID,
			AccountID:     c.account.ID,
			Quantity:      c.qty,
			CapitalWeight: c.weight,
			CooldownUntil: cooldown,
			CreatedAt:     now,
		}
		res.Allocations = append(res.Allocations, alloc)
		res.Requests = append(res.Requests, g.buildLegs(sig, alloc, mode, bracket)...)

		g.mu.Lock()
		c.account.CooldownUntil = cooldown
		g.mu.Unlock()
	}
	if len(res.Allocations) == 0 {
		return g.reject(sig, domain.ReasonRateLimit)
	}

	slog.Debug("compliance: signal allocated",
		"signal", sig.ID,
		"symbol", sig.Symbol,
		"accounts", len(res.Allocations),
		"orders", len(res.Requests),
		"trimmed", trimmed,
	)
	return res
}

// eligibleAccounts returns accounts whose cooldown has elapsed and
// whose exposure sits under cap, plus their combined capital.
func (g *Gate) eligibleAccounts(now time.Time, symbol string) ([]*domain.Account, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*domain.Account
	total := 0.0
	for _, a := range g.accounts {
		if !a.Eligible(now) {
			continue
		}
		if a.ExposureCap > 0 && g.exposure != nil {
			if g.exposure.GrossExposure(a.ID) >= a.ExposureCap {
				slog.Debug("compliance: account over exposure cap",
					"account", a.ID, "symbol", symbol)
				continue
			}
		}
		out = append(out, a)
		total += a.Capital
	}
	// Largest accounts first so window trimming always lands on the
	// smallest cuts.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capital != out[j].Capital {
			return out[i].Capital > out[j].Capital
		}
		return out[i].ID < out[j].ID
	})
	return out, total
}

// buildLegs synthesizes the ENTRY request and, for bracket mode, the
// TARGET and STOP legs sharing one OCO group.
func (g *Gate) buildLegs(sig domain.Signal, alloc domain.Allocation, mode domain.ProductMode, bracket bool) []domain.OrderRequest {
	entry := domain.OrderRequest{
		AllocationID: alloc.ID,
		AccountID:    alloc.AccountID,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Role:         domain.LegEntry,
		Quantity:     alloc.Quantity,
		Price:        sig.Price,
		Mode:         mode,
	}
	if !bracket {
		return []domain.OrderRequest{entry}
	}

	groupID := uuid.New().String()
	entry.OCOGroupID = groupID

	exitSide := domain.SideSell
	targetPrice := sig.Price * (1 + g.cfg.TargetPct)
	stopPrice := sig.Price * (1 - g.cfg.StopPct)
	if sig.Side == domain.SideSell {
		exitSide = domain.SideBuy
		targetPrice = sig.Price * (1 - g.cfg.TargetPct)
		stopPrice = sig.Price * (1 + g.cfg.StopPct)
	}

	target := entry
	target.Role = domain.LegTarget
	target.Side = exitSide
	target.Price = targetPrice

	stop := entry
	stop.Role = domain.LegStop
	stop.Side = exitSide
	stop.Price = stopPrice

	return []domain.OrderRequest{entry, target, stop}
}

func (g *Gate) reject(sig domain.Signal, reason domain.Reason) Result {
	slog.Info("compliance: signal rejected",
		"signal", sig.ID,
		"symbol", sig.Symbol,
		"reason", reason,
	)
	return Result{Rejected: true, Reason: reason}
}

// WindowCount exposes the current rolling-window order count.
func (g *Gate) WindowCount() int {
	return g.window.Count(g.now())
}
