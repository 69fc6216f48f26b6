package domain_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	b := domain.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 400*time.Millisecond, b.Next(3))
	assert.Equal(t, 800*time.Millisecond, b.Next(4))
	assert.Equal(t, time.Second, b.Next(5))
	assert.Equal(t, time.Second, b.Next(50))
}

func TestBackoff_JitterStaysWithinBand(t *testing.T) {
	b := domain.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		wait := b.Next(3) // base 400ms, ±20%
		assert.GreaterOrEqual(t, wait, 320*time.Millisecond)
		assert.LessOrEqual(t, wait, 480*time.Millisecond)
	}
}

func TestBackoff_ZeroValueUsesSaneDefaults(t *testing.T) {
	var b domain.Backoff
	wait := b.Next(1)
	assert.Greater(t, wait, time.Duration(0))

	// Un attempt absurdo no desborda el cap por defecto
	assert.LessOrEqual(t, b.Next(1000), 5*time.Second)
}
