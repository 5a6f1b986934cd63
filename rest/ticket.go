package rest

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Priority orders tickets within a bucket queue. Higher priorities dispatch
// first; equal priorities dispatch in enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Request describes an outbound REST call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte

	// Headers are merged over the composed defaults.
	Headers http.Header

	// Reason, when set, is sent as the audit log reason header.
	Reason string

	Priority Priority

	// NoAuth suppresses the Authorization header.
	NoAuth bool
}

// Response is the terminal result of a successful request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type ticketResult struct {
	resp *Response
	err  error
}

// ticket is the queued representation of a request: the request itself plus
// the retry ledger and the completion channel the caller waits on.
type ticket struct {
	req   Request
	route Route
	ctx   context.Context

	attempt     int
	rateLimited int

	enqueuedAt time.Time

	done chan ticketResult
}

func (t *ticket) resolve(resp *Response) {
	t.done <- ticketResult{resp: resp}
}

func (t *ticket) reject(err error) {
	t.done <- ticketResult{err: err}
}

// ticketQueue is a stable priority queue. Mutation is serialized by its
// mutex; the wake channel lets a dispatcher block until work arrives. Once
// drained the queue refuses pushes, so a ticket can never land on a queue
// whose dispatcher is gone.
type ticketQueue struct {
	mu     sync.Mutex
	items  []*ticket
	closed bool
	wake   chan struct{}
}

func newTicketQueue() *ticketQueue {
	return &ticketQueue{wake: make(chan struct{}, 1)}
}

// push inserts after every equal-or-higher-priority ticket. It reports
// false when the queue is closed and the ticket was not accepted.
func (q *ticketQueue) push(t *ticket) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	i := len(q.items)
	for i > 0 && q.items[i-1].req.Priority < t.req.Priority {
		i--
	}
	q.insert(i, t)
	q.mu.Unlock()
	q.signal()
	return true
}

// pushFront inserts at the head of the ticket's priority class: after any
// strictly higher priority, before its equals. Like push it reports false
// on a closed queue.
func (q *ticketQueue) pushFront(t *ticket) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	i := 0
	for i < len(q.items) && q.items[i].req.Priority > t.req.Priority {
		i++
	}
	q.insert(i, t)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *ticketQueue) insert(i int, t *ticket) {
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
}

func (q *ticketQueue) pop() *ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return t
}

func (q *ticketQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain empties the queue, closes it to further pushes and returns
// everything that was pending. The caller owns rerouting or rejecting the
// returned tickets.
func (q *ticketQueue) drain() []*ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}

func (q *ticketQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
