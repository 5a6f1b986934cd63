package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"github.com/adred-codev/concord/cerr"
	"github.com/adred-codev/concord/metrics"
)

// GatewayBot mirrors the gateway bot endpoint response.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int   `json:"total"`
		Remaining      int   `json:"remaining"`
		ResetAfter     int64 `json:"reset_after"` // milliseconds
		MaxConcurrency int   `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// InfoFetcher supplies connection info ahead of spawning. The REST client
// satisfies this via the gateway bot endpoint.
type InfoFetcher interface {
	GatewayBot(ctx context.Context) (*GatewayBot, error)
}

// Manager runs the shard fleet: it sizes the fleet from the gateway bot
// endpoint, partitions shards into identify concurrency buckets, spawns
// each bucket's shards in ascending order awaiting READY between them, and
// aggregates status.
type Manager struct {
	opts  Options
	fetch InfoFetcher
	log   zerolog.Logger
	mtr   *metrics.Registry

	router *Router

	mu           sync.Mutex
	sessions     map[int]*Session
	order        []int
	started      bool
	closed       bool
	wasReady     map[int]bool
	pendingReady int

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	wg        sync.WaitGroup
}

// NewManager builds a manager; Start connects it.
func NewManager(opts Options, fetch InfoFetcher, log zerolog.Logger, mtr *metrics.Registry) *Manager {
	mlog := log.With().Str("component", "gateway").Logger()
	return &Manager{
		opts:     opts,
		fetch:    fetch,
		log:      mlog,
		mtr:      mtr,
		router:   NewRouter(mlog, mtr, opts.withDefaults().EventHighWater),
		sessions: make(map[int]*Session),
		wasReady: make(map[int]bool),
		readyCh:  make(chan struct{}),
		errCh:    make(chan error, 16),
	}
}

// On registers a typed event handler.
func (m *Manager) On(name string, h Handler) { m.router.On(name, h) }

// OnRaw registers a raw dispatch handler.
func (m *Manager) OnRaw(h RawHandler) { m.router.OnRaw(h) }

// Router exposes the event router.
func (m *Manager) Router() *Router { return m.router }

// Ready is closed once every shard has reached READY at least once.
func (m *Manager) Ready() <-chan struct{} { return m.readyCh }

// Errors surfaces unrecoverable shard failures.
func (m *Manager) Errors() <-chan error { return m.errCh }

// Start fetches gateway info, checks the session start limit and spawns
// the fleet. ctx bounds the info fetch only; shards outlive it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return cerr.Validation.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	info, err := m.fetch.GatewayBot(ctx)
	if err != nil {
		return errs.Wrap(err)
	}

	opts := m.opts
	if opts.GatewayURL == "" && info.URL != "" {
		opts.GatewayURL = info.URL
	}
	opts = opts.withDefaults()

	total := opts.ShardCount
	if total <= 0 {
		total = info.Shards
	}
	if total <= 0 {
		total = 1
	}

	ids := opts.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, total)
		for i := range ids {
			ids[i] = i
		}
	}
	for _, id := range ids {
		if id < 0 || id >= total {
			return cerr.Validation.New("shard id %d out of range [0, %d)", id, total)
		}
	}

	if info.SessionStartLimit.Remaining < len(ids) {
		return cerr.ResourceExhausted.New(
			"session start limit exhausted: %d identifies remaining, %d shards to start, resets in %s",
			info.SessionStartLimit.Remaining, len(ids),
			time.Duration(info.SessionStartLimit.ResetAfter)*time.Millisecond,
		)
	}

	maxConc := info.SessionStartLimit.MaxConcurrency
	if maxConc < 1 {
		maxConc = 1
	}

	gates := make([]*identifyGate, maxConc)
	for i := range gates {
		gates[i] = newIdentifyGate(opts.IdentifySpacing)
	}

	buckets := make([][]*Session, maxConc)
	m.mu.Lock()
	m.pendingReady = len(ids)
	for _, id := range ids {
		b := id % maxConc
		s := newSession(id, total, opts, gates[b], m.router, m.log, m.mtr, m.handleState, m.handleFatal)
		m.sessions[id] = s
		m.order = append(m.order, id)
		if m.mtr != nil {
			m.mtr.Gateway.ShardStates.WithLabelValues(StateIdle.String()).Inc()
		}
		buckets[b] = append(buckets[b], s)
	}
	sort.Ints(m.order)
	m.mu.Unlock()

	m.log.Info().
		Int("shards", len(ids)).
		Int("total_shards", total).
		Int("max_concurrency", maxConc).
		Msg("starting shard fleet")

	for b, shards := range buckets {
		if len(shards) == 0 {
			continue
		}
		sort.Slice(shards, func(i, j int) bool { return shards[i].shardID < shards[j].shardID })
		m.wg.Add(1)
		go m.spawnBucket(b, shards)
	}
	return nil
}

// spawnBucket opens one concurrency bucket's shards in ascending order,
// waiting for each to reach READY before the next identifies.
func (m *Manager) spawnBucket(bucket int, shards []*Session) {
	defer m.wg.Done()
	for _, s := range shards {
		s.Open()
		if err := s.WaitReady(context.Background()); err != nil {
			m.log.Error().Err(err).Int("bucket", bucket).Int("shard", s.shardID).
				Msg("shard failed before ready, continuing bucket")
		}
	}
}

// Shard returns the session for a shard id.
func (m *Manager) Shard(id int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// UpdatePresence broadcasts a presence change to every shard.
func (m *Manager) UpdatePresence(ctx context.Context, p PresenceUpdate) error {
	var group errs.Group
	for _, s := range m.snapshot() {
		group.Add(s.UpdatePresence(ctx, p))
	}
	return group.Err()
}

// ShardStatus is a point-in-time view of one shard.
type ShardStatus struct {
	ShardID   int
	State     State
	SessionID string
	Sequence  int64
	Ping      time.Duration
}

// Status aggregates the fleet: per-shard snapshots, a count per state and
// the mean heartbeat latency over connected shards.
type Status struct {
	Shards  []ShardStatus
	States  map[string]int
	AvgPing time.Duration
}

func (m *Manager) Status() Status {
	sessions := m.snapshot()

	st := Status{States: make(map[string]int)}
	var pingSum time.Duration
	var pingN int
	for _, s := range sessions {
		snap := ShardStatus{
			ShardID:   s.shardID,
			State:     s.State(),
			SessionID: s.SessionID(),
			Sequence:  s.Sequence(),
			Ping:      s.Ping(),
		}
		st.Shards = append(st.Shards, snap)
		st.States[snap.State.String()]++
		if snap.Ping > 0 {
			pingSum += snap.Ping
			pingN++
		}
	}
	if pingN > 0 {
		st.AvgPing = pingSum / time.Duration(pingN)
	}
	return st
}

// Shutdown closes every shard with a normal closure and stops event
// delivery. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var group errs.Group
	var wg sync.WaitGroup
	var gmu sync.Mutex
	for _, s := range m.snapshot() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			err := s.Close(ctx)
			gmu.Lock()
			group.Add(err)
			gmu.Unlock()
		}(s)
	}
	wg.Wait()
	m.wg.Wait()
	m.router.Close()
	return group.Err()
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

func (m *Manager) handleState(shardID int, old, next State) {
	if m.mtr != nil {
		m.mtr.Gateway.ShardStates.WithLabelValues(old.String()).Dec()
		m.mtr.Gateway.ShardStates.WithLabelValues(next.String()).Inc()
	}
	if next != StateReady {
		return
	}
	m.mu.Lock()
	if !m.wasReady[shardID] {
		m.wasReady[shardID] = true
		m.pendingReady--
		if m.pendingReady == 0 {
			m.readyOnce.Do(func() { close(m.readyCh) })
		}
	}
	m.mu.Unlock()
}

func (m *Manager) handleFatal(shardID int, err error) {
	select {
	case m.errCh <- errs.Combine(cerr.Fatal.New("shard %d destroyed", shardID), err):
	default:
		m.log.Error().Err(err).Int("shard", shardID).Msg("error channel full, dropping fatal")
	}
}
