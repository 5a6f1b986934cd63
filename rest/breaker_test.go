package rest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/concord/cerr"
)

func testCircuitOptions() CircuitOptions {
	return CircuitOptions{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		MonitoringPeriod: time.Minute,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newBreaker(testCircuitOptions())
	now := time.Now()

	assert.False(t, b.recordFailure(now))
	assert.False(t, b.recordFailure(now))
	assert.True(t, b.recordFailure(now), "third failure opens")

	err := b.allow(now)
	require.Error(t, err)
	assert.True(t, cerr.CircuitOpen.Has(err))
}

func TestBreakerWindowExpiry(t *testing.T) {
	b := newBreaker(testCircuitOptions())
	now := time.Now()

	b.recordFailure(now)
	b.recordFailure(now)

	// Old failures age out; the count restarts in a fresh window.
	later := now.Add(2 * time.Minute)
	assert.False(t, b.recordFailure(later))
	assert.NoError(t, b.allow(later))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := newBreaker(testCircuitOptions())
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.recordFailure(now)
	}

	// Before the reset timeout: fail fast.
	require.Error(t, b.allow(now.Add(30*time.Second)))

	// After: exactly one probe goes through.
	probe := now.Add(61 * time.Second)
	require.NoError(t, b.allow(probe))
	require.Error(t, b.allow(probe), "second caller rejected while probe in flight")

	// Successful probe closes the breaker for everyone.
	b.recordSuccess()
	assert.NoError(t, b.allow(probe))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := newBreaker(testCircuitOptions())
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.recordFailure(now)
	}
	probe := now.Add(61 * time.Second)
	require.NoError(t, b.allow(probe))

	assert.True(t, b.recordFailure(probe), "failed probe reopens immediately")
	require.Error(t, b.allow(probe.Add(30*time.Second)))
	// And the reset clock restarted from the probe failure.
	assert.NoError(t, b.allow(probe.Add(61*time.Second)))
}

func TestBreakerNeutralClosesHalfOpen(t *testing.T) {
	b := newBreaker(testCircuitOptions())
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.recordFailure(now)
	}
	probe := now.Add(61 * time.Second)
	require.NoError(t, b.allow(probe))

	// A 404 on the probe proves the service is answering.
	b.recordNeutral()
	assert.NoError(t, b.allow(probe))
}

func TestTrips(t *testing.T) {
	assert.True(t, trips(cerr.Network.New("x")))
	assert.True(t, trips(cerr.Timeout.New("x")))
	assert.True(t, trips(cerr.Server.New("x")))

	assert.False(t, trips(cerr.Client.New("x")))
	assert.False(t, trips(cerr.RateLimit.New("x")))
	assert.False(t, trips(cerr.Authentication.New("x")))
	assert.False(t, trips(cerr.Cancelled.New("x")))
}

func TestBreakerGroupIsPerRoute(t *testing.T) {
	g := newBreakerGroup(testCircuitOptions())
	a := g.get("/channels/:id/messages")
	b := g.get("/guilds/:id")
	assert.NotSame(t, a, b)
	assert.Same(t, a, g.get("/channels/:id/messages"))
}
