package rest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStartsWithSingleSlot(t *testing.T) {
	b := newBucket("GET:/users/:id:")
	now := time.Now()

	ok, _ := b.tryAdmit(now, 0)
	assert.True(t, ok)

	// Nothing known about the window yet, so the second admit must wait.
	ok, wait := b.tryAdmit(now, 100*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
}

func TestBucketUnadmitRestoresSlot(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	ok, _ := b.tryAdmit(now, 0)
	require.True(t, ok)

	// The slot was never spent on the wire, so it comes back whole.
	b.unadmit()
	ok, _ = b.tryAdmit(now, 0)
	assert.True(t, ok)
}

func TestBucketRefillsAfterWindow(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	ok, _ := b.tryAdmit(now, 0)
	require.True(t, ok)

	b.updateFromHeaders(RateLimitHeader{Limit: 3, Remaining: 0, ResetAfter: 1}, now)

	ok, wait := b.tryAdmit(now, 0)
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(50*time.Millisecond))

	// Past the reset the bucket refills to the learned limit.
	later := now.Add(1100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		ok, _ := b.tryAdmit(later, 0)
		assert.True(t, ok, "admit %d", i)
	}
	ok, _ = b.tryAdmit(later, 0)
	assert.False(t, ok)
}

func TestBucketLearnsThenClampsRemaining(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	// First real header replaces the synthetic single-slot guess.
	b.updateFromHeaders(RateLimitHeader{Limit: 5, Remaining: 4, ResetAfter: 10}, now)
	require.Equal(t, 4, b.remaining)

	b.updateFromHeaders(RateLimitHeader{Limit: 5, Remaining: 3, ResetAfter: 10}, now)
	require.Equal(t, 3, b.remaining)

	// A stale interleaved response must not inflate remaining.
	b.updateFromHeaders(RateLimitHeader{Limit: 5, Remaining: 4, ResetAfter: 10}, now)
	assert.Equal(t, 3, b.remaining)

	b.updateFromHeaders(RateLimitHeader{Limit: 5, Remaining: 0, ResetAfter: 10}, now)
	assert.Equal(t, 0, b.remaining)
}

func TestBucketUpdateSubtractsInFlight(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	ok, _ := b.tryAdmit(now, 0)
	require.True(t, ok)

	// Second request admitted optimistically after the first refills the
	// learned view; its reservation must be discounted.
	b.mu.Lock()
	b.pending = 2
	b.mu.Unlock()

	b.updateFromHeaders(RateLimitHeader{Limit: 5, Remaining: 4, ResetAfter: 10}, now)
	assert.Equal(t, 1, b.pending)
	assert.Equal(t, 3, b.remaining) // server 4 minus one still in flight
}

func TestBucketOnRateLimited(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	ok, _ := b.tryAdmit(now, 0)
	require.True(t, ok)

	b.onRateLimited(2*time.Second, now)
	assert.Equal(t, 0, b.remaining)
	assert.Equal(t, 0, b.pending)
	assert.Equal(t, 1.5, b.adaptive())

	ok, wait := b.tryAdmit(now, 100*time.Millisecond)
	assert.False(t, ok)
	// Wait covers the full retry-after plus the widened margin.
	assert.GreaterOrEqual(t, wait, 2*time.Second+150*time.Millisecond)
}

func TestBucketMultiplierBounds(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	for i := 0; i < 20; i++ {
		b.onRateLimited(time.Second, now)
	}
	assert.Equal(t, 5.0, b.adaptive())

	// Clean admits decay the multiplier back to exactly 1.
	for i := 0; i < 20; i++ {
		b.mu.Lock()
		b.remaining = 1
		b.mu.Unlock()
		ok, _ := b.tryAdmit(now, 0)
		require.True(t, ok)
	}
	assert.Equal(t, 1.0, b.adaptive())
	b.mu.Lock()
	assert.Equal(t, 0, b.consecutive429)
	b.mu.Unlock()
}

func TestBucketReleaseReservationKeepsSlotConsumed(t *testing.T) {
	b := newBucket("k")
	now := time.Now()

	ok, _ := b.tryAdmit(now, 0)
	require.True(t, ok)
	require.Equal(t, 1, b.pending)

	b.releaseReservation()
	assert.Equal(t, 0, b.pending)
	// The slot is not handed back; headers reconcile it later.
	assert.Equal(t, 0, b.remaining)
}

func TestBucketIdle(t *testing.T) {
	b := newBucket("k")
	cutoff := time.Now().Add(time.Minute)
	assert.True(t, b.idle(cutoff))

	ok, _ := b.tryAdmit(time.Now(), 0)
	require.True(t, ok)
	assert.False(t, b.idle(cutoff), "pending work keeps the bucket alive")
}
