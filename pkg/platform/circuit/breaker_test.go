package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBreakerStartsClosed(t *testing.T) {
	b := New("dk-energinet")
	assert.Equal(t, "dk-energinet", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerTransitions(t *testing.T) {
	t.Run("opens on the threshold failure", func(t *testing.T) {
		b := New("gw", WithFailureThreshold(3))
		for range 2 {
			open, change := b.RecordFailure()
			assert.False(t, open)
			assert.Equal(t, Change{}, change)
		}
		open, change := b.RecordFailure()
		assert.True(t, open)
		assert.True(t, change.Opened)

		open, change = b.RecordFailure()
		assert.True(t, open)
		assert.False(t, change.Opened, "already open")
	})

	t.Run("a success while closed clears the failure streak", func(t *testing.T) {
		b := New("gw", WithFailureThreshold(2))
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		assert.False(t, b.IsOpen())
	})

	t.Run("closes after consecutive successes", func(t *testing.T) {
		b := New("gw", WithFailureThreshold(1), WithSuccessThreshold(2))
		b.RecordFailure()

		closed, change := b.RecordSuccess()
		assert.False(t, closed)
		assert.False(t, change.Closed)

		closed, change = b.RecordSuccess()
		assert.True(t, closed)
		assert.True(t, change.Closed)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("a failure while open restarts the success streak", func(t *testing.T) {
		b := New("gw", WithFailureThreshold(1), WithSuccessThreshold(2))
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		b.RecordSuccess()
		assert.True(t, b.IsOpen())
		b.RecordSuccess()
		assert.False(t, b.IsOpen())
	})

	t.Run("reset closes", func(t *testing.T) {
		b := New("gw", WithFailureThreshold(1))
		b.RecordFailure()
		b.Reset()
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, "closed", b.State().String())
	})
}

func TestBreakerAllowHonoursCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New("gw", WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(func() time.Time { return now }))

	b.RecordFailure()
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow(), "probe admitted after cooldown")

	b.RecordFailure()
	assert.False(t, b.Allow(), "failed probe restarts cooldown")
}
