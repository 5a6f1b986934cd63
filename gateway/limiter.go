package gateway

import (
	"context"
	"sync"
	"time"
)

// identifyGate serializes identify payloads within one max_concurrency
// bucket, keeping consecutive identifies at least spacing apart. The mutex
// is held across the wait so queued shards line up in arrival order.
type identifyGate struct {
	mu      sync.Mutex
	spacing time.Duration
	last    time.Time
}

func newIdentifyGate(spacing time.Duration) *identifyGate {
	return &identifyGate{spacing: spacing}
}

// wait blocks until this caller may identify, then stamps the slot.
func (g *identifyGate) wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() {
		if d := time.Until(g.last.Add(g.spacing)); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	g.last = time.Now()
	return nil
}
