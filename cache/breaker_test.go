package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndProbes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newBreaker(3, 30*time.Second, clock)

	for i := 0; i < 2; i++ {
		assert.True(t, b.allow())
		assert.False(t, b.failure())
	}
	assert.True(t, b.allow())
	assert.True(t, b.failure())
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.allow())

	clock.Advance(30 * time.Second)
	assert.True(t, b.allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.allow(), "only one probe at a time")

	// a failed probe reopens immediately
	assert.True(t, b.failure())
	assert.False(t, b.allow())

	clock.Advance(30 * time.Second)
	assert.True(t, b.allow())
	b.success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.allow())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := newBreaker(2, time.Second, clockwork.NewFakeClock())
	b.failure()
	b.success()
	assert.False(t, b.failure())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerDisabled(t *testing.T) {
	b := newBreaker(0, time.Second, clockwork.NewFakeClock())
	for i := 0; i < 10; i++ {
		assert.False(t, b.failure())
	}
	assert.True(t, b.allow())
	assert.Equal(t, "CLOSED", b.State().String())
}
