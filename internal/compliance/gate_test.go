package compliance_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/compliance"
	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 4, 11, 0, 0, 0, time.UTC)

func newGate(cfg compliance.Config, accounts ...domain.Account) *compliance.Gate {
	g := compliance.New(cfg, nil)
	g.SetClock(func() time.Time { return t0 })
	for _, a := range accounts {
		g.UpsertAccount(a)
	}
	return g
}

func signal(id string, qty int64) domain.Signal {
	return domain.Signal{
		ID:          id,
		StrategyID:  "momentum",
		Symbol:      "RELIANCE",
		Side:        domain.SideBuy,
		Quantity:    qty,
		Price:       100,
		GeneratedAt: t0,
	}
}

func TestGate_NotReadyRejectsWholesale(t *testing.T) {
	g := newGate(compliance.DefaultConfig(), domain.Account{ID: "acc1", Capital: 10000})

	res := g.Process(signal("s1", 10), false, domain.ModePaper)
	assert.True(t, res.Rejected)
	assert.Equal(t, domain.ReasonBlockedNotReady, res.Reason)
	assert.Empty(t, res.Allocations)
}

func TestGate_ProRataSplitSixtyForty(t *testing.T) {
	g := newGate(compliance.DefaultConfig(),
		domain.Account{ID: "acc1", Capital: 6000},
		domain.Account{ID: "acc2", Capital: 4000},
	)

	res := g.Process(signal("s1", 10), true, domain.ModePaper)
	require.False(t, res.Rejected)
	require.Len(t, res.Allocations, 2)

	byAccount := map[string]int64{}
	for _, a := range res.Allocations {
		byAccount[a.AccountID] = a.Quantity
	}
	assert.Equal(t, int64(6), byAccount["acc1"])
	assert.Equal(t, int64(4), byAccount["acc2"])

	// 2 allocations × (ENTRY + TARGET + STOP).
	assert.Len(t, res.Requests, 6)
}

func TestGate_NeverOverAllocates(t *testing.T) {
	g := newGate(compliance.DefaultConfig(),
		domain.Account{ID: "acc1", Capital: 3333},
		domain.Account{ID: "acc2", Capital: 3333},
		domain.Account{ID: "acc3", Capital: 3334},
	)

	res := g.Process(signal("s1", 10), true, domain.ModePaper)
	require.False(t, res.Rejected)

	var total int64
	for _, a := range res.Allocations {
		total += a.Quantity
	}
	assert.LessOrEqual(t, total, int64(10))
}

func TestGate_ZeroUnitAccountSkippedWithoutCooldown(t *testing.T) {
	g := newGate(compliance.DefaultConfig(),
		domain.Account{ID: "whale", Capital: 99000},
		domain.Account{ID: "shrimp", Capital: 1000}, // 1% of 10 units floors to 0
	)

	res := g.Process(signal("s1", 10), true, domain.ModePaper)
	require.False(t, res.Rejected)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "whale", res.Allocations[0].AccountID)

	for _, a := range g.Accounts() {
		switch a.ID {
		case "whale":
			assert.True(t, a.CooldownUntil.After(t0))
		case "shrimp":
			assert.True(t, a.CooldownUntil.IsZero(), "skipped account's cooldown must not be touched")
		}
	}
}

func TestGate_CooldownRotation(t *testing.T) {
	// 3 eligible accounts, min_interval 300s: the same signal twice
	// within the interval must exclude the accounts allocated first.
	// Entry-only so all three cuts fit under the rolling ceiling.
	cfg := compliance.DefaultConfig()
	cfg.TargetPct = 0
	cfg.StopPct = 0
	g := newGate(cfg,
		domain.Account{ID: "acc1", Capital: 5000},
		domain.Account{ID: "acc2", Capital: 3000},
		domain.Account{ID: "acc3", Capital: 2000},
	)

	first := g.Process(signal("s1", 10), true, domain.ModePaper)
	require.False(t, first.Rejected)
	require.Len(t, first.Allocations, 3)

	second := g.Process(signal("s2", 10), true, domain.ModePaper)
	assert.True(t, second.Rejected)
	assert.Equal(t, domain.ReasonNoEligibleAccounts, second.Reason)
}

func TestGate_WindowTrimsCutsInsteadOfRejectingAll(t *testing.T) {
	// 3 accounts x 3 bracket legs would need 9 slots against a ceiling
	// of 7. The two largest cuts go through; the smallest is skipped
	// this signal with its cooldown untouched.
	g := newGate(compliance.DefaultConfig(),
		domain.Account{ID: "acc1", Capital: 5000},
		domain.Account{ID: "acc2", Capital: 3000},
		domain.Account{ID: "acc3", Capital: 2000},
	)

	res := g.Process(signal("s1", 10), true, domain.ModePaper)
	require.False(t, res.Rejected)
	require.Len(t, res.Allocations, 2)
	assert.Len(t, res.Requests, 6)
	assert.Equal(t, "acc1", res.Allocations[0].AccountID)
	assert.Equal(t, "acc2", res.Allocations[1].AccountID)

	for _, a := range g.Accounts() {
		if a.ID == "acc3" {
			assert.True(t, a.CooldownUntil.IsZero(), "trimmed account's cooldown must not be touched")
		}
	}

	// acc3 is still eligible and first in line once the window rolls.
	t1 := t0.Add(2 * time.Second)
	g.SetClock(func() time.Time { return t1 })
	second := g.Process(signal("s2", 10), true, domain.ModePaper)
	require.False(t, second.Rejected)
	require.Len(t, second.Allocations, 1)
	assert.Equal(t, "acc3", second.Allocations[0].AccountID)
}

func TestGate_CooldownElapsesAndRotatesBack(t *testing.T) {
	now := t0
	g := compliance.New(compliance.DefaultConfig(), nil)
	g.SetClock(func() time.Time { return now })
	g.UpsertAccount(domain.Account{ID: "acc1", Capital: 10000})

	first := g.Process(signal("s1", 10), true, domain.ModePaper)
	require.False(t, first.Rejected)

	now = now.Add(301 * time.Second)
	second := g.Process(signal("s2", 10), true, domain.ModePaper)
	assert.False(t, second.Rejected)
}

func TestGate_BurstAdmitsExactlyCeiling(t *testing.T) {
	// 50 eligible single-leg signals inside one second: exactly 7
	// orders go through.
	cfg := compliance.DefaultConfig()
	cfg.TargetPct = 0 // entry-only, one order per signal
	cfg.StopPct = 0
	cfg.MinInterval = time.Millisecond

	now := t0
	g := compliance.New(cfg, nil)
	g.SetClock(func() time.Time { return now })
	g.UpsertAccount(domain.Account{ID: "acc1", Capital: 10000})

	admitted := 0
	for i := 0; i < 50; i++ {
		now = now.Add(10 * time.Millisecond) // all inside the 1s window
		res := g.Process(signal(fmt.Sprintf("s%d", i), 5), true, domain.ModePaper)
		if !res.Rejected {
			admitted++
		} else {
			assert.Equal(t, domain.ReasonRateLimit, res.Reason)
		}
	}
	assert.Equal(t, 7, admitted)
}

func TestGate_WindowIsPreciseNotBucketed(t *testing.T) {
	w := compliance.NewRateWindow(7, time.Second)

	base := t0
	for i := 0; i < 7; i++ {
		require.True(t, w.Admit(1, base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	// Window full at +700ms.
	assert.False(t, w.Admit(1, base.Add(700*time.Millisecond)))

	// 1.05s after the first stamp, exactly one slot has rolled out.
	later := base.Add(1050 * time.Millisecond)
	assert.True(t, w.Admit(1, later))
	assert.False(t, w.Admit(1, later))
}

func TestGate_BracketLegsShareGroupAndFlipSide(t *testing.T) {
	g := newGate(compliance.DefaultConfig(), domain.Account{ID: "acc1", Capital: 10000})

	res := g.Process(signal("s1", 10), true, domain.ModeLive)
	require.False(t, res.Rejected)
	require.Len(t, res.Requests, 3)

	entry, target, stop := res.Requests[0], res.Requests[1], res.Requests[2]
	assert.Equal(t, domain.LegEntry, entry.Role)
	assert.Equal(t, domain.LegTarget, target.Role)
	assert.Equal(t, domain.LegStop, stop.Role)

	require.NotEmpty(t, entry.OCOGroupID)
	assert.Equal(t, entry.OCOGroupID, target.OCOGroupID)
	assert.Equal(t, entry.OCOGroupID, stop.OCOGroupID)

	// BUY entry → SELL protective legs, target above, stop below.
	assert.Equal(t, domain.SideBuy, entry.Side)
	assert.Equal(t, domain.SideSell, target.Side)
	assert.Equal(t, domain.SideSell, stop.Side)
	assert.Greater(t, target.Price, entry.Price)
	assert.Less(t, stop.Price, entry.Price)

	assert.Equal(t, domain.ModeLive, entry.Mode)
}

func TestOCOTable_ResolveCancelsSiblingExactlyOnce(t *testing.T) {
	tbl := compliance.NewOCOTable()
	tbl.Link("g1", "target-1", "stop-1")

	sibling, ok := tbl.Resolve("g1", "target-1")
	require.True(t, ok)
	assert.Equal(t, "stop-1", sibling)

	// Duplicate resolution and the sibling's own callback are no-ops.
	_, ok = tbl.Resolve("g1", "target-1")
	assert.False(t, ok)
	_, ok = tbl.Resolve("g1", "stop-1")
	assert.False(t, ok)
	assert.True(t, tbl.Resolved("g1"))
}

func TestOCOTable_ResolveEitherOrder(t *testing.T) {
	tbl := compliance.NewOCOTable()
	tbl.Link("g1", "target-1", "stop-1")

	sibling, ok := tbl.Resolve("g1", "stop-1")
	require.True(t, ok)
	assert.Equal(t, "target-1", sibling)

	_, ok = tbl.Resolve("g1", "target-1")
	assert.False(t, ok)
}

func TestOCOTable_UnknownGroupAndLeg(t *testing.T) {
	tbl := compliance.NewOCOTable()
	tbl.Link("g1", "a", "b")

	_, ok := tbl.Resolve("missing", "a")
	assert.False(t, ok)

	_, ok = tbl.Resolve("g1", "not-a-leg")
	assert.False(t, ok)
	assert.False(t, tbl.Resolved("g1"))
}
