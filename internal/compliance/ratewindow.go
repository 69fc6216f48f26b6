package compliance

import (
	"sync"
	"time"
)

// RateWindow enforces a hard ceiling on orders admitted per rolling
// window. The window is precise — timestamps are pruned against the
// exact cutoff, not a coarse bucket — and it counts orders, not
// signals, since one signal can fan out into multiple legs.
type RateWindow struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	stamps  []time.Time
}

// NewRateWindow creates a window admitting at most ceiling orders per
// span.
func NewRateWindow(ceiling int, span time.Duration) *RateWindow {
	if ceiling <= 0 {
		ceiling = 7
	}
	if span <= 0 {
		span = time.Second
	}
	return &RateWindow{ceiling: ceiling, window: span}
}

// Admit reports whether n more orders fit inside the window ending at
// now, and records them if so. All-or-nothing: a signal whose legs do
// not all fit is rejected wholesale.
func (w *RateWindow) Admit(n int, now time.Time) bool {
	if n <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.stamps)+n > w.ceiling {
		return false
	}
	for i := 0; i < n; i++ {
		w.stamps = append(w.stamps, now)
	}
	return true
}

// Count returns how many orders sit inside the window ending at now.
func (w *RateWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.stamps)
}

// prune drops timestamps older than the window. Caller holds w.mu.
func (w *RateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
