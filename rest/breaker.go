package rest

import (
	"sync"
	"time"

	"github.com/adred-codev/concord/cerr"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a per-route circuit breaker. Failures of the network, timeout
// and server classes within the monitoring window trip it; while open every
// admission fails fast with a CircuitOpen error. After the reset timeout a
// single probe is let through: success closes the breaker, failure reopens
// it.
type breaker struct {
	mu sync.Mutex

	opts CircuitOptions

	state       breakerState
	failures    int
	windowStart time.Time
	openedAt    time.Time
}

func newBreaker(opts CircuitOptions) *breaker {
	return &breaker{opts: opts}
}

// allow reports whether a request may proceed. In half-open state only the
// first caller gets through as the probe.
func (b *breaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.opts.ResetTimeout {
			b.state = breakerHalfOpen
			return nil
		}
		return cerr.CircuitOpen.New("circuit open for %s", b.opts.ResetTimeout-now.Sub(b.openedAt))
	default: // half-open: a probe is already in flight
		return cerr.CircuitOpen.New("circuit half-open, probe in flight")
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// recordNeutral notes a completed attempt that neither trips nor heals the
// counters: the service answered, so a half-open probe closes the breaker,
// but closed-state failure counting is left alone.
func (b *breaker) recordNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
		b.failures = 0
	}
}

// recordFailure counts a trippable failure; returns true when this failure
// opened the breaker.
func (b *breaker) recordFailure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		// Probe failed; straight back to open.
		b.state = breakerOpen
		b.openedAt = now
		return true
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.opts.MonitoringPeriod {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.state == breakerClosed && b.failures >= b.opts.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
		return true
	}
	return false
}

// trips reports whether an error counts toward opening the breaker. Client
// errors and rate limits point at the request, not the service, so they do
// not trip it.
func trips(err error) bool {
	return cerr.Network.Has(err) || cerr.Timeout.Has(err) || cerr.Server.Has(err)
}

// breakerGroup keys breakers by route template.
type breakerGroup struct {
	mu       sync.Mutex
	opts     CircuitOptions
	breakers map[string]*breaker
}

func newBreakerGroup(opts CircuitOptions) *breakerGroup {
	return &breakerGroup{opts: opts, breakers: make(map[string]*breaker)}
}

func (g *breakerGroup) get(routeTemplate string) *breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[routeTemplate]
	if !ok {
		b = newBreaker(g.opts)
		g.breakers[routeTemplate] = b
	}
	return b
}
