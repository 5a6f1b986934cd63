package rest

import (
	"sync"
	"time"
)

// bucket is a single rate-limit cell. Counter state is guarded by mu; the
// queue has its own lock so enqueues never contend with header updates.
//
// Invariant: remaining >= 0, and a request is only admitted while
// remaining > 0 or the window has reset.
type bucket struct {
	mu sync.Mutex

	// key is the synthetic key until the server reveals the canonical
	// bucket identity, then the canonical one.
	key       string
	synthetic string

	limit     int
	remaining int
	resetAt   time.Time
	window    time.Duration

	// learned flips once the first server header has been applied; before
	// that the limit is a synthetic guess of 1.
	learned bool

	// interaction routes are exempt from the global gate.
	interaction bool

	// pending counts optimistic reservations between admit and response.
	pending int

	lastActivity time.Time

	// consecutive429 drives the adaptive margin multiplier, bounded to
	// [1, 5] and decayed back toward 1 on clean admits.
	consecutive429 int
	multiplier     float64

	queue *ticketQueue

	// stop ends the bucket's dispatcher; set once under the manager lock.
	stop     chan struct{}
	stopOnce sync.Once
}

func newBucket(syntheticKey string) *bucket {
	return &bucket{
		key:          syntheticKey,
		synthetic:    syntheticKey,
		limit:        1,
		remaining:    1,
		multiplier:   1,
		lastActivity: time.Now(),
		queue:        newTicketQueue(),
		stop:         make(chan struct{}),
	}
}

// tryAdmit decrements remaining and reserves an in-flight slot, or reports
// how long to wait before the next attempt. The wait includes the safety
// margin scaled by the adaptive multiplier.
func (b *bucket) tryAdmit(now time.Time, margin time.Duration) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remaining <= 0 && !now.Before(b.resetAt) {
		// Refill from the last known limit once the window has elapsed.
		// With the window still unknown, refill only when nothing is in
		// flight that could teach it to us; otherwise hold for headers.
		if !b.resetAt.IsZero() || b.pending == 0 {
			limit := b.limit
			if limit <= 0 {
				limit = 1
			}
			b.remaining = limit
			if b.window > 0 {
				b.resetAt = now.Add(b.window)
			}
		}
	}

	if b.remaining > 0 {
		b.remaining--
		b.pending++
		b.lastActivity = now
		// Clean admit: decay the adaptive margin toward 1.
		b.multiplier = 1 + (b.multiplier-1)*0.5
		if b.multiplier < 1.01 {
			b.multiplier = 1
			b.consecutive429 = 0
		}
		return true, 0
	}

	wait = b.resetAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return false, wait + time.Duration(float64(margin)*b.multiplier)
}

// updateFromHeaders applies a response's rate-limit view. The first real
// header replaces the synthetic guess wholesale; after that the local
// remaining only moves down toward the server's value, defending against
// interleaved responses arriving out of order. In-flight reservations are
// subtracted from the server's count since it has not seen them yet.
func (b *bucket) updateFromHeaders(h RateLimitHeader, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending > 0 {
		b.pending--
	}
	fresh := !b.learned || (h.Limit > 0 && h.Limit != b.limit)
	if h.Limit > 0 {
		b.limit = h.Limit
	}
	if reset := h.ResetIn(); reset > 0 {
		b.resetAt = now.Add(reset)
		b.window = reset
	}

	server := h.Remaining - b.pending
	if server < 0 {
		server = 0
	}
	if fresh {
		b.remaining = server
		b.learned = true
	} else if server < b.remaining {
		b.remaining = server
	}
	b.lastActivity = now
}

// onRateLimited empties the bucket until retryAfter has elapsed and widens
// the adaptive margin.
func (b *bucket) onRateLimited(retryAfter time.Duration, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending > 0 {
		b.pending--
	}
	b.remaining = 0
	b.resetAt = now.Add(retryAfter)
	b.consecutive429++
	b.multiplier = 1 + float64(b.consecutive429)*0.5
	if b.multiplier > 5 {
		b.multiplier = 5
	}
	b.lastActivity = now
}

// unadmit returns an admitted slot that was never spent on the wire, such
// as when the ticket behind it was cancelled or drained away before
// dispatch.
func (b *bucket) unadmit() {
	b.mu.Lock()
	if b.pending > 0 {
		b.pending--
		b.remaining++
	}
	b.mu.Unlock()
}

// releaseReservation gives back an in-flight slot without touching
// remaining: the server may have counted the aborted request, so counters
// reconcile on the next header instead.
func (b *bucket) releaseReservation() {
	b.mu.Lock()
	if b.pending > 0 {
		b.pending--
	}
	b.mu.Unlock()
}

// idle reports whether the bucket has had no traffic since the cutoff and
// holds no queued or in-flight work.
func (b *bucket) idle(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending == 0 && b.queue.len() == 0 && b.lastActivity.Before(cutoff)
}

// adaptive returns the current margin multiplier.
func (b *bucket) adaptive() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.multiplier
}

func (b *bucket) lastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

func (b *bucket) close() {
	b.stopOnce.Do(func() { close(b.stop) })
}
