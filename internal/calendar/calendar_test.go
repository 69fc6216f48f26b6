package calendar_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/calendar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalendar() *calendar.Calendar {
	// Regular session 09:15–15:30.
	return calendar.New(time.UTC, 9*time.Hour+15*time.Minute, 15*time.Hour+30*time.Minute)
}

func TestCalendar_WeekendsAreClosed(t *testing.T) {
	c := newCalendar()

	saturday := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	sunday := time.Date(2025, 6, 8, 10, 0, 0, 0, time.UTC)

	assert.False(t, c.IsTradingDay(saturday))
	assert.False(t, c.IsTradingDay(sunday))
	assert.False(t, c.IsOpen(saturday))
}

func TestCalendar_HolidayClosedEvenWithinHours(t *testing.T) {
	c := newCalendar()
	holiday := time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC) // Thursday
	c.AddHoliday(holiday)

	within := time.Date(2025, 6, 5, 11, 0, 0, 0, time.UTC)
	assert.False(t, c.IsTradingDay(within))
	assert.False(t, c.IsOpen(within))

	_, _, ok := c.TradingHours(within)
	assert.False(t, ok)
}

func TestCalendar_ClosedOutsideSessionOnTradingDay(t *testing.T) {
	c := newCalendar()
	day := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC) // Wednesday

	require.True(t, c.IsTradingDay(day))

	assert.False(t, c.IsOpen(time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC)))
	assert.True(t, c.IsOpen(time.Date(2025, 6, 4, 9, 15, 0, 0, time.UTC)))
	assert.True(t, c.IsOpen(time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)))
	assert.True(t, c.IsOpen(time.Date(2025, 6, 4, 15, 30, 0, 0, time.UTC)))
	assert.False(t, c.IsOpen(time.Date(2025, 6, 4, 15, 31, 0, 0, time.UTC)))
}

func TestCalendar_SpecialSessionOverridesHours(t *testing.T) {
	c := newCalendar()
	day := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	// Abbreviated Muhurat-style session 18:00–19:00.
	c.AddSpecialSession(day, calendar.Session{Open: 18 * time.Hour, Close: 19 * time.Hour})

	assert.False(t, c.IsOpen(time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)))
	assert.True(t, c.IsOpen(time.Date(2025, 6, 4, 18, 30, 0, 0, time.UTC)))
}

func TestCalendar_NextTradingDaySkipsWeekendAndHoliday(t *testing.T) {
	c := newCalendar()
	friday := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	c.AddHoliday(monday)

	next, err := c.NextTradingDay(friday)
	require.NoError(t, err)
	assert.Equal(t, 10, next.Day()) // Tuesday

	prev, err := c.PrevTradingDay(monday)
	require.NoError(t, err)
	assert.Equal(t, 6, prev.Day()) // back to Friday
}

func TestCalendar_WalkIsBounded(t *testing.T) {
	c := newCalendar()
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	for d := start; d.Before(start.AddDate(0, 2, 0)); d = d.AddDate(0, 0, 1) {
		c.AddHoliday(d)
	}

	_, err := c.NextTradingDay(start)
	assert.ErrorIs(t, err, calendar.ErrNoTradingDay)
}
