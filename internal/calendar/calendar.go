package calendar

// calendar.go — market session calendar.
//
// Holidays and abbreviated sessions are explicit allow/deny lists keyed
// by date, not derived from weekday alone. Weekends are always
// non-trading. Next/previous lookups walk day by day, bounded so a
// misconfigured calendar cannot loop forever.

import (
	"errors"
	"sync"
	"time"
)

// maxWalkDays bounds next/previous trading day lookups.
const maxWalkDays = 30

// ErrNoTradingDay is returned when no trading day exists within the
// lookup bound.
var ErrNoTradingDay = errors.New("calendar: no trading day within bound")

// Session is an intraday trading window.
type Session struct {
	Open  time.Duration // offset from midnight, local to the calendar's zone
	Close time.Duration
}

// Calendar decides whether an instant falls inside a tradable session.
type Calendar struct {
	mu       sync.RWMutex
	loc      *time.Location
	regular  Session
	holidays map[string]struct{} // "2006-01-02" → closed all day
	special  map[string]Session  // "2006-01-02" → abbreviated session
}

// New creates a calendar with the given regular session hours in loc.
func New(loc *time.Location, open, close time.Duration) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		loc:      loc,
		regular:  Session{Open: open, Close: close},
		holidays: make(map[string]struct{}),
		special:  make(map[string]Session),
	}
}

// AddHoliday marks a date as fully closed.
func (c *Calendar) AddHoliday(d time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays[c.key(d)] = struct{}{}
}

// AddSpecialSession overrides the regular hours for one date, e.g. an
// abbreviated half-day session.
func (c *Calendar) AddSpecialSession(d time.Time, s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.special[c.key(d)] = s
}

// RemoveHoliday deletes a holiday entry.
func (c *Calendar) RemoveHoliday(d time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.holidays, c.key(d))
}

// IsTradingDay reports whether the date (in the calendar's zone) has
// any tradable session.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	local := d.In(c.loc)
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, holiday := c.holidays[c.key(local)]
	return !holiday
}

// TradingHours returns the session bounds for the date, or ok=false on
// a non-trading day.
func (c *Calendar) TradingHours(d time.Time) (open, close time.Time, ok bool) {
	if !c.IsTradingDay(d) {
		return time.Time{}, time.Time{}, false
	}
	local := d.In(c.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)

	c.mu.RLock()
	session := c.regular
	if s, exists := c.special[c.key(local)]; exists {
		session = s
	}
	c.mu.RUnlock()

	return midnight.Add(session.Open), midnight.Add(session.Close), true
}

// IsOpen reports whether the instant falls inside [open, close] of a
// trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	open, close, ok := c.TradingHours(t)
	if !ok {
		return false
	}
	return !t.Before(open) && !t.After(close)
}

// NextTradingDay walks forward from the day after d.
func (c *Calendar) NextTradingDay(d time.Time) (time.Time, error) {
	return c.walk(d, 1)
}

// PrevTradingDay walks backward from the day before d.
func (c *Calendar) PrevTradingDay(d time.Time) (time.Time, error) {
	return c.walk(d, -1)
}

func (c *Calendar) walk(d time.Time, step int) (time.Time, error) {
	cur := d.In(c.loc)
	for i := 0; i < maxWalkDays; i++ {
		cur = cur.AddDate(0, 0, step)
		if c.IsTradingDay(cur) {
			return cur, nil
		}
	}
	return time.Time{}, ErrNoTradingDay
}

func (c *Calendar) key(d time.Time) string {
	return d.In(c.loc).Format("2006-01-02")
}
