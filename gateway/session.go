package gateway

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/concord/cerr"
	"github.com/adred-codev/concord/metrics"
)

type closeIntent int32

const (
	intentNone closeIntent = iota
	// intentResume marks a self-initiated disconnect (zombie, server
	// reconnect request) whose session should be resumed.
	intentResume
)

// Session is a single shard's connection state machine. It owns one
// WebSocket at a time and survives it: disconnects feed back into the
// supervisor loop, which resumes or re-identifies according to the close
// code until the shard is destroyed.
type Session struct {
	shardID     int
	totalShards int
	opts        Options

	log    zerolog.Logger
	mtr    *metrics.Registry
	router *Router
	gate   *identifyGate

	onState func(shardID int, old, next State)
	onFatal func(shardID int, err error)

	state  atomic.Int32
	seq    atomic.Int64
	ping   atomic.Int64 // nanoseconds
	intent atomic.Int32

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	resumeURL string

	sendMu      sync.Mutex
	sendLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	opened    atomic.Bool
	stopOnce  sync.Once
	readyOnce sync.Once
	readyCh   chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
}

func newSession(shardID, totalShards int, opts Options, gate *identifyGate, router *Router, log zerolog.Logger, mtr *metrics.Registry, onState func(int, State, State), onFatal func(int, error)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		shardID:     shardID,
		totalShards: totalShards,
		opts:        opts,
		log:         log.With().Str("component", "shard").Int("shard", shardID).Logger(),
		mtr:         mtr,
		router:      router,
		gate:        gate,
		onState:     onState,
		onFatal:     onFatal,
		sendLimiter: rate.NewLimiter(rate.Every(sendWindow/sendBurst), sendBurst),
		ctx:         ctx,
		cancel:      cancel,
		readyCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ShardID returns the shard's index in the fleet.
func (s *Session) ShardID() int { return s.shardID }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Ping returns the latest heartbeat round trip, zero before the first ACK.
func (s *Session) Ping() time.Duration { return time.Duration(s.ping.Load()) }

// SessionID returns the server-issued session identity, empty when none is
// held.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the highest dispatch sequence observed.
func (s *Session) Sequence() int64 { return s.seq.Load() }

// Open starts the supervisor loop. Calling it more than once is a no-op.
func (s *Session) Open() {
	if !s.opened.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// WaitReady blocks until the shard reaches READY for the first time, the
// shard is destroyed, or ctx expires.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.done:
		return cerr.Fatal.New("shard %d destroyed before ready", s.shardID)
	case <-ctx.Done():
		return cerr.Cancelled.Wrap(ctx.Err())
	}
}

// Close sends a normal closure frame, stops the supervisor and waits for
// it to exit within ctx. Closing with code 1000 invalidates the session
// server-side, so a later Open identifies fresh.
func (s *Session) Close(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.cancel()
		if conn := s.currentConn(); conn != nil {
			s.sendMu.Lock()
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			s.sendMu.Unlock()
			_ = conn.Close()
		}
		if !s.opened.Load() {
			s.setState(StateDestroyed)
			s.doneOnce.Do(func() { close(s.done) })
		}
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return cerr.Timeout.Wrap(ctx.Err())
	}
}

// UpdatePresence sends an opcode 3 presence change.
func (s *Session) UpdatePresence(ctx context.Context, p PresenceUpdate) error {
	return s.send(ctx, OpPresenceUpdate, p)
}

// UpdateVoiceState sends an opcode 4 voice state change.
func (s *Session) UpdateVoiceState(ctx context.Context, v VoiceStateUpdate) error {
	return s.send(ctx, OpVoiceStateUpdate, v)
}

// RequestGuildMembers sends an opcode 8 member chunk request.
func (s *Session) RequestGuildMembers(ctx context.Context, r RequestGuildMembers) error {
	return s.send(ctx, OpRequestGuildMembers, r)
}

// run is the supervisor: connect, serve until disconnect, decide the next
// move from the close code, back off, repeat.
func (s *Session) run() {
	defer s.doneOnce.Do(func() { close(s.done) })

	backoff := s.opts.ReconnectBase
	for {
		healthy, err := s.connectOnce()
		if s.ctx.Err() != nil {
			s.setState(StateDestroyed)
			return
		}

		switch s.nextAction(err) {
		case actionStop:
			err = fatalError(err)
			s.log.Error().Err(err).Msg("unrecoverable gateway close, destroying shard")
			s.setState(StateDestroyed)
			if s.onFatal != nil {
				s.onFatal(s.shardID, err)
			}
			return
		case actionResume:
			s.setState(StateResuming)
		case actionReidentify:
			s.clearSession()
			s.setState(StateReconnecting)
		}
		if s.mtr != nil {
			s.mtr.Gateway.Reconnects.Inc()
		}

		if healthy {
			backoff = s.opts.ReconnectBase
			// A live connection just dropped; reconnect right away.
			continue
		}
		s.log.Info().Err(err).Dur("backoff", backoff).Msg("reconnecting after failure")
		if !s.sleep(jittered(backoff)) {
			s.setState(StateDestroyed)
			return
		}
		backoff *= 2
		if backoff > s.opts.ReconnectMax {
			backoff = s.opts.ReconnectMax
		}
	}
}

// link bundles everything scoped to one physical connection. rw reads
// through the dialer's buffered reader when the server's first frames
// arrived with the handshake.
type link struct {
	conn       net.Conn
	rw         io.ReadWriter
	zr         *zlibReader
	hb         *heartbeat
	identified chan struct{}
	once       sync.Once
}

func (l *link) markIdentified() {
	l.once.Do(func() { close(l.identified) })
}

// connectOnce runs a single connection from dial to disconnect. healthy
// reports whether the WebSocket handshake completed, which resets the
// reconnect backoff.
func (s *Session) connectOnce() (healthy bool, err error) {
	s.setState(StateConnecting)

	dctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	conn, br, _, err := ws.DefaultDialer.Dial(dctx, s.connectURL())
	cancel()
	if err != nil {
		return false, cerr.WrapTransport(err)
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		_ = conn.Close()
	}()

	l := &link{conn: conn, rw: conn, identified: make(chan struct{})}
	if br != nil {
		l.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	if s.opts.Compress {
		l.zr = &zlibReader{}
	}

	p, err := s.readPayload(l)
	if err != nil {
		return true, err
	}
	if p.Op != OpHello {
		return true, cerr.Network.New("expected hello, got op %d", p.Op)
	}
	var hello helloData
	if err := sonic.Unmarshal(p.D, &hello); err != nil {
		return true, cerr.Network.Wrap(err)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return true, cerr.Network.New("invalid heartbeat interval %v", interval)
	}
	s.setState(StateConnected)

	l.hb = newHeartbeat(s.log, interval,
		func() error { return s.sendHeartbeat(conn) },
		func() {
			if s.mtr != nil {
				s.mtr.Gateway.ZombieCloses.Inc()
			}
			s.intend(intentResume)
			// Closing with a non-1000 code keeps the session resumable
			// server-side.
			s.sendMu.Lock()
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "heartbeat ack timeout"))
			s.sendMu.Unlock()
			_ = conn.Close()
		},
		func(rtt time.Duration) {
			s.ping.Store(int64(rtt))
			if s.mtr != nil {
				s.mtr.Gateway.HeartbeatLatency.WithLabelValues(itoa(s.shardID)).Set(rtt.Seconds() * 1000)
			}
		},
	)
	go l.hb.run()
	defer l.hb.close()

	if s.canResume() {
		s.setState(StateResuming)
		if err := s.sendResume(conn); err != nil {
			return true, err
		}
	} else {
		s.setState(StateIdentifying)
		if err := s.gate.wait(s.ctx); err != nil {
			return true, cerr.Cancelled.Wrap(err)
		}
		if err := s.sendIdentify(conn); err != nil {
			return true, err
		}
	}

	// Abandon the connection if the handshake never completes.
	handshake := time.AfterFunc(s.opts.IdentifyTimeout, func() {
		select {
		case <-l.identified:
		default:
			s.log.Warn().Dur("timeout", s.opts.IdentifyTimeout).Msg("no ready or resumed before deadline, reconnecting")
			_ = conn.Close()
		}
	})
	defer handshake.Stop()

	for {
		p, err := s.readPayload(l)
		if err != nil {
			return true, err
		}
		if err := s.handlePayload(l, p); err != nil {
			return true, err
		}
	}
}

func (s *Session) readPayload(l *link) (payload, error) {
	for {
		data, op, err := wsutil.ReadServerData(l.rw)
		if err != nil {
			return payload{}, cerr.WrapTransport(err)
		}
		if op == ws.OpBinary && l.zr != nil {
			data, err = l.zr.decompress(data)
			if err != nil {
				return payload{}, cerr.Network.Wrap(err)
			}
			if data == nil {
				continue
			}
		}
		var p payload
		if err := sonic.Unmarshal(data, &p); err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		return p, nil
	}
}

func (s *Session) handlePayload(l *link, p payload) error {
	switch p.Op {
	case OpDispatch:
		s.observeSeq(p.S)
		switch p.T {
		case "READY":
			var rd readyData
			if err := sonic.Unmarshal(p.D, &rd); err == nil {
				s.storeSession(rd.SessionID, rd.ResumeGatewayURL)
			}
			l.markIdentified()
			s.setState(StateReady)
			s.readyOnce.Do(func() { close(s.readyCh) })
		case "RESUMED":
			l.markIdentified()
			s.setState(StateReady)
			s.log.Info().Int64("seq", s.seq.Load()).Msg("session resumed")
		}
		s.router.Dispatch(s.shardID, Envelope{Opcode: p.Op, Sequence: p.S, Name: p.T, Data: p.D})

	case OpHeartbeat:
		return s.sendHeartbeat(l.conn)

	case OpHeartbeatACK:
		l.hb.ack()

	case OpReconnect:
		s.log.Info().Msg("server requested reconnect")
		s.intend(intentResume)
		return cerr.Network.New("reconnect requested")

	case OpInvalidSession:
		var resumable bool
		_ = sonic.Unmarshal(p.D, &resumable)
		if resumable && s.canResume() {
			s.setState(StateResuming)
			return s.sendResume(l.conn)
		}
		s.clearSession()
		// Random delay before the fresh identify, per gateway guidance.
		delay := time.Second + time.Duration(rand.Float64()*float64(4*time.Second))
		s.log.Warn().Dur("delay", delay).Msg("session invalidated, identifying fresh")
		if !s.sleep(delay) {
			return cerr.Cancelled.New("shard closing")
		}
		s.setState(StateIdentifying)
		if err := s.gate.wait(s.ctx); err != nil {
			return cerr.Cancelled.Wrap(err)
		}
		return s.sendIdentify(l.conn)
	}
	return nil
}

// fatalError classifies an unrecoverable close for the caller. Bad
// credentials get their own class; everything else terminal is fatal.
func fatalError(err error) error {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		if int(ce.Code) == CloseAuthenticationFailed {
			return cerr.Authentication.New("gateway rejected the token (close %d)", int(ce.Code))
		}
		return cerr.Fatal.New("unrecoverable close code %d: %s", int(ce.Code), ce.Reason)
	}
	return cerr.Fatal.Wrap(err)
}

// nextAction decides recovery after a disconnect. A self-initiated close
// intent wins; otherwise the peer's close code is classified; bare
// transport errors re-identify.
func (s *Session) nextAction(err error) closeAction {
	if closeIntent(s.intent.Swap(int32(intentNone))) == intentResume {
		return actionResume
	}
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return classifyClose(int(ce.Code))
	}
	return actionReidentify
}

func (s *Session) sendIdentify(conn net.Conn) error {
	data := identifyData{
		Token:          s.opts.Token,
		Properties:     s.opts.Properties,
		Compress:       false,
		LargeThreshold: s.opts.LargeThreshold,
		Shard:          &[2]int{s.shardID, s.totalShards},
		Presence:       s.opts.Presence,
		Intents:        s.opts.Intents,
	}
	if err := s.sendOn(conn, OpIdentify, data); err != nil {
		return err
	}
	if s.mtr != nil {
		s.mtr.Gateway.Identifies.Inc()
	}
	s.log.Info().Int("total_shards", s.totalShards).Msg("identifying")
	return nil
}

func (s *Session) sendResume(conn net.Conn) error {
	s.mu.Lock()
	data := resumeData{Token: s.opts.Token, SessionID: s.sessionID, Seq: s.seq.Load()}
	s.mu.Unlock()
	if err := s.sendOn(conn, OpResume, data); err != nil {
		return err
	}
	if s.mtr != nil {
		s.mtr.Gateway.Resumes.Inc()
	}
	s.log.Info().Int64("seq", data.Seq).Msg("resuming session")
	return nil
}

// sendHeartbeat writes an opcode 1 frame. Heartbeats bypass the send
// limiter so a saturated sender cannot starve the keepalive.
func (s *Session) sendHeartbeat(conn net.Conn) error {
	var seq *int64
	if v := s.seq.Load(); v > 0 {
		seq = &v
	}
	frame, err := sonic.Marshal(struct {
		Op int    `json:"op"`
		D  *int64 `json:"d"`
	}{Op: OpHeartbeat, D: seq})
	if err != nil {
		return cerr.Validation.Wrap(err)
	}
	return s.writeFrame(conn, frame)
}

// send rate-limits and sends a command on the current connection.
func (s *Session) send(ctx context.Context, op int, d any) error {
	conn := s.currentConn()
	if conn == nil {
		return cerr.Network.New("shard %d is not connected", s.shardID)
	}
	if err := s.sendLimiter.Wait(ctx); err != nil {
		return cerr.Cancelled.Wrap(err)
	}
	return s.encodeAndWrite(conn, op, d)
}

// sendOn sends on an explicit connection during the handshake, bounded by
// the session lifetime rather than a caller context.
func (s *Session) sendOn(conn net.Conn, op int, d any) error {
	if err := s.sendLimiter.Wait(s.ctx); err != nil {
		return cerr.Cancelled.Wrap(err)
	}
	return s.encodeAndWrite(conn, op, d)
}

func (s *Session) encodeAndWrite(conn net.Conn, op int, d any) error {
	raw, err := sonic.Marshal(d)
	if err != nil {
		return cerr.Validation.Wrap(err)
	}
	frame, err := sonic.Marshal(payload{Op: op, D: raw})
	if err != nil {
		return cerr.Validation.Wrap(err)
	}
	return s.writeFrame(conn, frame)
}

func (s *Session) writeFrame(conn net.Conn, frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, frame); err != nil {
		return cerr.WrapTransport(err)
	}
	return nil
}

func (s *Session) connectURL() string {
	base := s.opts.GatewayURL
	s.mu.Lock()
	if s.sessionID != "" && s.resumeURL != "" {
		base = s.resumeURL
	}
	s.mu.Unlock()
	return strings.TrimRight(base, "/") + "/?v=10&encoding=json" + compressQuery(s.opts.Compress)
}

func compressQuery(on bool) string {
	if on {
		return "&compress=zlib-stream"
	}
	return ""
}

func (s *Session) canResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != "" && s.seq.Load() > 0
}

func (s *Session) storeSession(id, resumeURL string) {
	s.mu.Lock()
	s.sessionID = id
	if resumeURL != "" {
		s.resumeURL = resumeURL
	}
	s.mu.Unlock()
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.seq.Store(0)
}

func (s *Session) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) observeSeq(seq int64) {
	for {
		cur := s.seq.Load()
		if seq <= cur || s.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Session) intend(i closeIntent) {
	s.intent.Store(int32(i))
}

func (s *Session) setState(next State) {
	old := State(s.state.Swap(int32(next)))
	if old == next {
		return
	}
	s.log.Debug().Str("from", old.String()).Str("to", next.String()).Msg("state change")
	if s.onState != nil {
		s.onState(s.shardID, old, next)
	}
}

// sleep waits d or until the session is closing; false means closing.
func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func jittered(d time.Duration) time.Duration {
	// ±20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
