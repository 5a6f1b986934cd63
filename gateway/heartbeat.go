package gateway

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// heartbeat drives the periodic opcode 1 loop for one connection. The
// first beat is delayed by interval*rand to spread fleet load; after that
// a steady ticker takes over. Two consecutive ticks without an intervening
// ACK mark the connection as a zombie.
type heartbeat struct {
	log      zerolog.Logger
	interval time.Duration

	// send writes a heartbeat frame with the current sequence.
	send func() error
	// onZombie fires once when the ACK deadline is missed twice.
	onZombie func()
	// onPing receives the send-to-ACK round trip.
	onPing func(time.Duration)

	acks     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	lastSent time.Time
}

func newHeartbeat(log zerolog.Logger, interval time.Duration, send func() error, onZombie func(), onPing func(time.Duration)) *heartbeat {
	return &heartbeat{
		log:      log,
		interval: interval,
		send:     send,
		onZombie: onZombie,
		onPing:   onPing,
		acks:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// ack records the server's heartbeat ACK. Safe to call from the read loop.
func (h *heartbeat) ack() {
	select {
	case h.acks <- struct{}{}:
	default:
	}
}

func (h *heartbeat) close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *heartbeat) run() {
	jitter := time.Duration(rand.Float64() * float64(h.interval))
	first := time.NewTimer(jitter)
	defer first.Stop()
	select {
	case <-first.C:
	case <-h.stop:
		return
	}

	if !h.beat() {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	missed := 0
	acked := false
	for {
		select {
		case <-h.acks:
			acked = true
			missed = 0
			if h.onPing != nil {
				h.onPing(time.Since(h.lastSent))
			}
		case <-ticker.C:
			if !acked {
				missed++
				if missed >= 2 {
					h.log.Warn().Msg("heartbeat ack missed twice, connection is a zombie")
					h.onZombie()
					return
				}
			}
			acked = false
			if !h.beat() {
				return
			}
		case <-h.stop:
			return
		}
	}
}

func (h *heartbeat) beat() bool {
	h.lastSent = time.Now()
	if err := h.send(); err != nil {
		// The read loop sees the same broken socket and handles recovery.
		h.log.Debug().Err(err).Msg("heartbeat send failed")
		return false
	}
	return true
}
