package gateway

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/concord/metrics"
)

// Event is a dispatched gateway event as seen by typed handlers.
type Event struct {
	ShardID  int
	Sequence int64
	Name     string
	Data     json.RawMessage
}

// Handler receives events registered by name.
type Handler func(Event)

// RawHandler receives every dispatch frame before typed routing.
type RawHandler func(shardID int, env Envelope)

// Router fans dispatch frames out to handlers. Each shard gets its own
// queue and delivery goroutine, so events from one shard are delivered in
// arrival order while shards never block each other. When a queue grows
// past the high-water mark the raw delivery of the oldest events is shed;
// typed handlers still see every event.
type Router struct {
	log       zerolog.Logger
	mtr       *metrics.Registry
	highWater int

	hmu   sync.RWMutex
	typed map[string][]Handler
	raw   []RawHandler

	qmu    sync.Mutex
	queues map[int]*eventQueue
	closed bool
	wg     sync.WaitGroup
}

// NewRouter builds a router shedding raw delivery beyond highWater queued
// events per shard.
func NewRouter(log zerolog.Logger, mtr *metrics.Registry, highWater int) *Router {
	if highWater <= 0 {
		highWater = 2048
	}
	return &Router{
		log:       log.With().Str("component", "router").Logger(),
		mtr:       mtr,
		highWater: highWater,
		typed:     make(map[string][]Handler),
		queues:    make(map[int]*eventQueue),
	}
}

// On registers a handler for the named event, e.g. "MESSAGE_CREATE".
func (r *Router) On(name string, h Handler) {
	r.hmu.Lock()
	r.typed[name] = append(r.typed[name], h)
	r.hmu.Unlock()
}

// OnRaw registers a handler for every dispatch frame.
func (r *Router) OnRaw(h RawHandler) {
	r.hmu.Lock()
	r.raw = append(r.raw, h)
	r.hmu.Unlock()
}

// Dispatch queues a frame for delivery on the shard's queue. It never
// blocks the caller's read loop.
func (r *Router) Dispatch(shardID int, env Envelope) {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	q, ok := r.queues[shardID]
	if !ok {
		q = &eventQueue{wake: make(chan struct{}, 1), stop: make(chan struct{})}
		r.queues[shardID] = q
		r.wg.Add(1)
		go r.deliverLoop(shardID, q)
	}
	r.qmu.Unlock()

	shed, depth := q.push(env, r.highWater)
	if shed > 0 {
		if r.mtr != nil {
			r.mtr.Gateway.EventsDropped.Add(float64(shed))
		}
		r.log.Warn().
			Int("shard", shardID).
			Int("shed", shed).
			Int("depth", depth).
			Msg("event queue over high water, shedding raw delivery of oldest")
	}
}

// Close stops delivery and waits for in-flight handlers to finish.
func (r *Router) Close() {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q.stop)
	}
	r.qmu.Unlock()
	r.wg.Wait()
}

func (r *Router) deliverLoop(shardID int, q *eventQueue) {
	defer r.wg.Done()
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				// Drain what is already queued before exiting.
				for {
					item, ok := q.pop()
					if !ok {
						return
					}
					r.deliver(shardID, item)
				}
			}
		}
		r.deliver(shardID, item)
	}
}

func (r *Router) deliver(shardID int, item queuedEvent) {
	env := item.env
	r.hmu.RLock()
	raw := r.raw
	typed := r.typed[env.Name]
	r.hmu.RUnlock()

	if !item.rawShed {
		for _, h := range raw {
			r.invoke(func() { h(shardID, env) })
		}
	}
	evt := Event{ShardID: shardID, Sequence: env.Sequence, Name: env.Name, Data: env.Data}
	for _, h := range typed {
		r.invoke(func() { h(evt) })
	}
	if r.mtr != nil {
		r.mtr.Gateway.EventsDispatched.Inc()
	}
}

// invoke shields the delivery loop from panicking handlers.
func (r *Router) invoke(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error().Interface("panic", v).Msg("event handler panicked")
		}
	}()
	fn()
}

// queuedEvent carries an envelope plus whether its raw delivery was shed
// under backpressure. Typed delivery is never shed.
type queuedEvent struct {
	env     Envelope
	rawShed bool
}

type eventQueue struct {
	mu    sync.Mutex
	items []queuedEvent
	// marked counts the prefix of items whose raw delivery was shed.
	marked int
	wake   chan struct{}
	stop   chan struct{}
}

// push appends the envelope. While more than highWater events with raw
// delivery remain queued, the oldest of them are marked shed, front first.
// Returns how many raw deliveries were shed and the resulting depth.
func (q *eventQueue) push(env Envelope, highWater int) (shed, depth int) {
	q.mu.Lock()
	q.items = append(q.items, queuedEvent{env: env})
	for len(q.items)-q.marked > highWater {
		q.items[q.marked].rawShed = true
		q.marked++
		shed++
	}
	depth = len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return shed, depth
}

func (q *eventQueue) pop() (queuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queuedEvent{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if item.rawShed {
		q.marked--
	}
	return item, true
}
