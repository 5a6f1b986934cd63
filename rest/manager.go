package rest

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/concord/cerr"
	"github.com/adred-codev/concord/metrics"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRateLimited
	outcomeRetryable
	outcomeFailed
)

// attemptResult is what a single HTTP attempt reports back to the bucket
// dispatcher.
type attemptResult struct {
	outcome outcome

	resp *Response
	err  error

	header    RateLimitHeader
	hasHeader bool

	// 429 details.
	retryAfter time.Duration
	global     bool
}

type executor interface {
	attempt(t *ticket) attemptResult
}

// manager owns the route -> bucket mapping, the global gate and one
// dispatcher goroutine per bucket. Distinct buckets dispatch in parallel;
// within a bucket tickets dispatch serially in priority order.
type manager struct {
	opts Options
	exec executor
	log  zerolog.Logger
	mtr  *metrics.Registry

	limiter *rate.Limiter

	// globalUntil is the unix-nano instant the global lockout ends.
	globalUntil atomic.Int64

	mu      sync.Mutex
	buckets map[string]*bucket // bucket key -> bucket
	routes  map[string]string  // synthetic key -> bucket key

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newManager(opts Options, exec executor, log zerolog.Logger, mtr *metrics.Registry) *manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{
		opts:    opts,
		exec:    exec,
		log:     log,
		mtr:     mtr,
		limiter: rate.NewLimiter(rate.Limit(opts.GlobalRequestsPerSecond), int(opts.GlobalRequestsPerSecond)),
		buckets: make(map[string]*bucket),
		routes:  make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

// enqueue queues a request behind its bucket and waits for the terminal
// result. Cancelling ctx before admission removes the ticket from its
// queue; after admission the in-flight request is aborted at the transport.
func (m *manager) enqueue(ctx context.Context, req Request, route Route) (*Response, error) {
	t := &ticket{
		req:        req,
		route:      route,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       make(chan ticketResult, 1),
	}

	// A merge or eviction can close the resolved bucket's queue before the
	// push lands; a refused push resolves again so the ticket is never
	// stranded on a dead queue.
	for {
		select {
		case <-m.closed:
			return nil, cerr.Cancelled.New("client is shut down")
		default:
		}
		if m.bucketFor(route).queue.push(t) {
			break
		}
	}

	select {
	case r := <-t.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, cerr.Cancelled.Wrap(ctx.Err())
	}
}

// bucketFor resolves the bucket for a route, following merge redirects,
// creating the bucket and its dispatcher on first use.
func (m *manager) bucketFor(route Route) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	syntheticKey := route.SyntheticKey()
	key := syntheticKey
	if canonical, ok := m.routes[syntheticKey]; ok {
		key = canonical
	}
	if b, ok := m.buckets[key]; ok {
		return b
	}

	b := newBucket(syntheticKey)
	b.key = key
	b.interaction = route.Interaction
	m.buckets[key] = b
	if m.mtr != nil {
		m.mtr.REST.BucketsActive.Set(float64(len(m.buckets)))
	}
	m.wg.Add(1)
	go m.dispatch(b)
	return b
}

// dispatch is the per-bucket loop. The global and bucket gates are cleared
// before the head ticket is chosen, so work that arrives while the bucket
// waits out a lockout can still overtake a requeued ticket.
func (m *manager) dispatch(b *bucket) {
	defer m.wg.Done()
	for {
		if b.queue.len() == 0 {
			select {
			case <-b.queue.wake:
				continue
			case <-b.stop:
				return
			case <-m.closed:
				return
			}
		}

		if !m.admit(b) {
			return
		}

		t := b.queue.pop()
		if t == nil {
			// Drained by a merge or eviction after admission.
			b.unadmit()
			continue
		}
		if err := t.ctx.Err(); err != nil {
			b.unadmit()
			t.reject(cerr.Cancelled.Wrap(err))
			continue
		}
		if m.mtr != nil && t.attempt == 0 && t.rateLimited == 0 {
			m.mtr.REST.QueueWait.Observe(time.Since(t.enqueuedAt).Seconds())
		}
		m.serve(b, t)
	}
}

// serve drives one admitted attempt for the head ticket. Rate-limited and
// retryable outcomes reinsert the ticket at the head of its priority
// class, so a higher-priority ticket enqueued meanwhile dispatches first.
func (m *manager) serve(b *bucket, t *ticket) {
	res := m.exec.attempt(t)

	switch res.outcome {
	case outcomeOK:
		if res.hasHeader {
			b.updateFromHeaders(res.header, time.Now())
			m.maybeRekey(b, res.header.Bucket, t.route)
		} else {
			b.releaseReservation()
		}
		if m.mtr != nil {
			m.mtr.REST.Requests.WithLabelValues("ok").Inc()
		}
		t.resolve(res.resp)

	case outcomeRateLimited:
		now := time.Now()
		b.onRateLimited(res.retryAfter, now)
		if res.global {
			m.lockGlobal(res.retryAfter, now)
			if m.mtr != nil {
				m.mtr.REST.GlobalLockouts.Inc()
			}
		}
		if m.mtr != nil {
			m.mtr.REST.RateLimited.Inc()
		}
		m.log.Debug().
			Str("route", t.route.Template).
			Dur("retry_after", res.retryAfter).
			Bool("global", res.global).
			Msg("rate limited")

		// Rate-limit retries do not consume the attempt budget, but
		// they are capped on their own so a hostile bucket cannot
		// spin forever.
		t.rateLimited++
		if t.rateLimited > m.opts.Retry.MaxAttempts {
			if m.mtr != nil {
				m.mtr.REST.Requests.WithLabelValues("rate_limited").Inc()
			}
			t.reject(res.err)
			return
		}
		// Back to the queue head; the admission gate holds until the
		// bucket's resetAt plus margin.
		m.requeue(b, t)

	case outcomeRetryable:
		if res.hasHeader {
			b.updateFromHeaders(res.header, time.Now())
		} else {
			b.releaseReservation()
		}
		t.attempt++
		if t.attempt >= m.opts.Retry.MaxAttempts {
			if m.mtr != nil {
				m.mtr.REST.Requests.WithLabelValues(cerr.KindOf(res.err)).Inc()
			}
			t.reject(res.err)
			return
		}
		if m.mtr != nil {
			m.mtr.REST.Retries.Inc()
		}
		delay := m.retryDelay(t.attempt, b.adaptive())
		m.log.Debug().
			Str("route", t.route.Template).
			Int("attempt", t.attempt).
			Dur("delay", delay).
			Str("kind", cerr.KindOf(res.err)).
			Msg("retrying request")
		if err := m.sleep(t.ctx, delay); err != nil {
			t.reject(err)
			return
		}
		m.requeue(b, t)

	default: // outcomeFailed
		if res.hasHeader {
			b.updateFromHeaders(res.header, time.Now())
		} else {
			b.releaseReservation()
		}
		if m.mtr != nil {
			m.mtr.REST.Requests.WithLabelValues(cerr.KindOf(res.err)).Inc()
		}
		t.reject(res.err)
	}
}

// requeue reinserts a ticket at the head of its priority class. If the
// bucket's queue was closed by a merge or eviction mid-flight the ticket is
// routed through resolution again instead of being lost.
func (m *manager) requeue(b *bucket, t *ticket) {
	if b.queue.pushFront(t) {
		return
	}
	for {
		select {
		case <-m.closed:
			t.reject(cerr.Cancelled.New("client is shut down"))
			return
		default:
		}
		if m.bucketFor(t.route).queue.pushFront(t) {
			return
		}
	}
}

// admit blocks until both the global gate and the bucket allow a request,
// reserving the in-flight slot on success. It returns false when the
// manager or the bucket shuts down first.
func (m *manager) admit(b *bucket) bool {
	for {
		if !b.interaction {
			if wait := m.globalWait(); wait > 0 {
				if !m.pause(b, wait) {
					return false
				}
				continue
			}
		}

		ok, wait := b.tryAdmit(time.Now(), m.opts.SafetyMargin)
		if !ok {
			if !m.pause(b, wait) {
				return false
			}
			continue
		}

		if !b.interaction {
			if err := m.limiter.Wait(m.ctx); err != nil {
				b.unadmit()
				return false
			}
		}
		return true
	}
}

// pause waits d or until the bucket or the manager shuts down.
func (m *manager) pause(b *bucket, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-b.stop:
		return false
	case <-m.closed:
		return false
	}
}

func (m *manager) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cerr.Cancelled.Wrap(ctx.Err())
	case <-m.closed:
		return cerr.Cancelled.New("client is shut down")
	}
}

// retryDelay computes min(maxDelay, base * factor^(attempt-1)) scaled by the
// bucket's adaptive multiplier, with optional +-jitterFactor spread.
func (m *manager) retryDelay(attempt int, adaptive float64) time.Duration {
	r := m.opts.Retry
	delay := float64(r.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= r.BackoffFactor
	}
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	delay *= adaptive
	if !r.DisableJitter {
		delay *= 1 - r.JitterFactor + 2*r.JitterFactor*rand.Float64()
	}
	return time.Duration(delay)
}

// lockGlobal extends the global lockout; it only ever moves forward.
func (m *manager) lockGlobal(d time.Duration, now time.Time) {
	until := now.Add(d).UnixNano()
	for {
		old := m.globalUntil.Load()
		if until <= old || m.globalUntil.CompareAndSwap(old, until) {
			return
		}
	}
}

func (m *manager) globalWait() time.Duration {
	until := m.globalUntil.Load()
	if until == 0 {
		return 0
	}
	wait := time.Until(time.Unix(0, until))
	if wait <= 0 {
		return 0
	}
	return wait + m.opts.SafetyMargin
}

// maybeRekey reconciles the bucket's identity with the server-assigned
// bucket header. When two synthetic routes turn out to share a server
// bucket, the newer bucket's queue is folded into the older one.
func (m *manager) maybeRekey(b *bucket, serverBucket string, route Route) {
	if serverBucket == "" {
		return
	}
	canonical := serverBucket + ":" + route.MajorParam
	if b.key == canonical {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.buckets[canonical]; ok && existing != b {
		// Merge: redirect the route and move pending work, preserving
		// order within each priority class.
		m.routes[b.synthetic] = canonical
		delete(m.buckets, b.key)
		for _, t := range b.queue.drain() {
			if !existing.queue.push(t) {
				t.reject(cerr.Cancelled.New("client is shut down"))
			}
		}
		b.close()
		if m.mtr != nil {
			m.mtr.REST.BucketMerges.Inc()
			m.mtr.REST.BucketsActive.Set(float64(len(m.buckets)))
		}
		m.log.Debug().Str("synthetic", b.synthetic).Str("bucket", canonical).Msg("bucket merged")
		return
	}

	delete(m.buckets, b.key)
	b.key = canonical
	m.buckets[canonical] = b
	m.routes[b.synthetic] = canonical
}

// janitor evicts idle buckets and enforces the bucket cap.
func (m *manager) janitor() {
	defer m.wg.Done()
	interval := m.opts.MaxInactiveTime / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *manager) sweep() {
	now := time.Now()
	cutoff := now.Add(-m.opts.MaxInactiveTime)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.buckets {
		if b.idle(cutoff) {
			m.evictLocked(key, b)
		}
	}

	// Cap overflow: evict least recently used until under the cap.
	for len(m.buckets) > m.opts.MaxBuckets {
		var oldestKey string
		var oldest *bucket
		for key, b := range m.buckets {
			if oldest == nil || b.lastUsed().Before(oldest.lastUsed()) {
				oldestKey, oldest = key, b
			}
		}
		if oldest == nil {
			break
		}
		m.evictLocked(oldestKey, oldest)
	}
}

func (m *manager) evictLocked(key string, b *bucket) {
	delete(m.buckets, key)
	delete(m.routes, b.synthetic)
	b.close()
	for _, t := range b.queue.drain() {
		t.reject(cerr.Cancelled.New("bucket evicted"))
	}
	if m.mtr != nil {
		m.mtr.REST.BucketEvictions.Inc()
		m.mtr.REST.BucketsActive.Set(float64(len(m.buckets)))
	}
}

// close stops accepting work, rejects everything still queued and waits for
// dispatchers to drain, bounded by ctx.
func (m *manager) close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.cancel()
		m.mu.Lock()
		for key, b := range m.buckets {
			delete(m.buckets, key)
			b.close()
			for _, t := range b.queue.drain() {
				t.reject(cerr.Cancelled.New("client is shut down"))
			}
		}
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return cerr.Timeout.New("shutdown drain timed out")
	}
}
