package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/concord/cerr"
	"github.com/adred-codev/concord/metrics"
)

func testOptions(g *fakeGateway) Options {
	return Options{
		Token:           "tok",
		Intents:         IntentsDefault,
		GatewayURL:      g.url(),
		IdentifySpacing: time.Millisecond,
		IdentifyTimeout: 2 * time.Second,
		DialTimeout:     time.Second,
		ReconnectBase:   20 * time.Millisecond,
		ReconnectMax:    100 * time.Millisecond,
		EventHighWater:  64,
	}.withDefaults()
}

type sessionFixture struct {
	sess   *Session
	router *Router
	events chan Event
	fatals chan error
	mtr    *metrics.Registry
}

func newSessionFixture(t *testing.T, g *fakeGateway, mutate func(*Options)) *sessionFixture {
	t.Helper()
	opts := testOptions(g)
	if mutate != nil {
		mutate(&opts)
	}

	f := &sessionFixture{
		router: NewRouter(zerolog.Nop(), nil, opts.EventHighWater),
		events: make(chan Event, 32),
		fatals: make(chan error, 1),
		mtr:    metrics.NewRegistry(),
	}
	f.router.On("MESSAGE_CREATE", func(evt Event) { f.events <- evt })

	f.sess = newSession(0, 1, opts, newIdentifyGate(opts.IdentifySpacing), f.router, zerolog.Nop(), f.mtr, nil,
		func(_ int, err error) { f.fatals <- err })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.sess.Close(ctx)
		f.router.Close()
	})
	return f
}

func (f *sessionFixture) waitReady(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.sess.WaitReady(ctx))
}

func (f *sessionFixture) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case evt := <-f.events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestSessionIdentifyAndDispatch(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c := g.next()
	c.hello(45 * time.Second)

	ident := c.expectOp(OpIdentify)
	var id identifyData
	require.NoError(t, json.Unmarshal(ident.D, &id))
	assert.Equal(t, "tok", id.Token)
	assert.Equal(t, IntentsDefault, id.Intents)
	require.NotNil(t, id.Shard)
	assert.Equal(t, [2]int{0, 1}, *id.Shard)

	c.ready(1, "sess-1", g.url())
	f.waitReady(t)
	assert.Equal(t, StateReady, f.sess.State())
	assert.Equal(t, "sess-1", f.sess.SessionID())

	c.dispatch("MESSAGE_CREATE", 2, map[string]string{"content": "one"})
	evt := f.nextEvent(t)
	assert.Equal(t, int64(2), evt.Sequence)
	assert.Equal(t, int64(2), f.sess.Sequence())

	// A server heartbeat request gets an immediate beat with the sequence.
	c.send(OpHeartbeat, nil, 0, "")
	beat := c.expectOp(OpHeartbeat)
	assert.Equal(t, "2", string(beat.D))
}

func TestSessionResumeAfterResumableClose(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c1 := g.next()
	c1.hello(45 * time.Second)
	c1.expectOp(OpIdentify)
	c1.ready(1, "sess-1", g.url())
	f.waitReady(t)

	c1.dispatch("MESSAGE_CREATE", 2, map[string]string{"content": "before"})
	require.Equal(t, int64(2), f.nextEvent(t).Sequence)

	c1.closeWith(CloseUnknownError)

	c2 := g.next()
	c2.hello(45 * time.Second)
	res := c2.expectOp(OpResume)
	var rd resumeData
	require.NoError(t, json.Unmarshal(res.D, &rd))
	assert.Equal(t, "tok", rd.Token)
	assert.Equal(t, "sess-1", rd.SessionID)
	assert.Equal(t, int64(2), rd.Seq)

	c2.send(OpDispatch, nil, 3, "RESUMED")
	c2.dispatch("MESSAGE_CREATE", 4, map[string]string{"content": "replay"})
	c2.dispatch("MESSAGE_CREATE", 5, map[string]string{"content": "live"})

	assert.Equal(t, int64(4), f.nextEvent(t).Sequence)
	assert.Equal(t, int64(5), f.nextEvent(t).Sequence)

	// Exactly once: nothing else is queued.
	select {
	case evt := <-f.events:
		t.Fatalf("unexpected duplicate event seq %d", evt.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionReidentifiesWhenSessionNotResumable(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c1 := g.next()
	c1.hello(45 * time.Second)
	c1.expectOp(OpIdentify)
	c1.ready(1, "sess-1", g.url())
	f.waitReady(t)

	// 1001 means the connection is retriable but the session is gone.
	c1.closeWith(1001)

	c2 := g.next()
	c2.hello(45 * time.Second)
	c2.expectOp(OpIdentify)
	c2.ready(1, "sess-2", g.url())

	require.Eventually(t, func() bool { return f.sess.SessionID() == "sess-2" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReady, f.sess.State())
}

func TestSessionResumesOnResumableInvalidSession(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c := g.next()
	c.hello(45 * time.Second)
	c.expectOp(OpIdentify)
	c.ready(1, "sess-1", g.url())
	f.waitReady(t)

	c.send(OpInvalidSession, true, 0, "")
	res := c.expectOp(OpResume)
	var rd resumeData
	require.NoError(t, json.Unmarshal(res.D, &rd))
	assert.Equal(t, "sess-1", rd.SessionID)
}

func TestSessionZombieDetection(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c1 := g.next()
	c1.hello(40 * time.Millisecond)

	// Read the identify without ever ACKing heartbeats.
	for {
		p, err := c1.read()
		require.NoError(t, err)
		if p.Op == OpIdentify {
			break
		}
	}
	c1.ready(1, "sess-z", g.url())
	f.waitReady(t)

	// Two unanswered ticks later the session must abandon the socket with
	// a non-1000 close, keeping the session resumable, and come back
	// resuming.
	assert.Equal(t, ws.StatusGoingAway, c1.expectClose())

	c2 := g.next()
	c2.hello(45 * time.Second)
	res := c2.expectOp(OpResume)
	var rd resumeData
	require.NoError(t, json.Unmarshal(res.D, &rd))
	assert.Equal(t, "sess-z", rd.SessionID)
}

func TestSessionIdentifyTimeout(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, func(o *Options) {
		o.IdentifyTimeout = 80 * time.Millisecond
	})
	f.sess.Open()

	c1 := g.next()
	c1.hello(45 * time.Second)
	c1.expectOp(OpIdentify)
	// Withhold READY; the session must give up and retry.

	c2 := g.next()
	c2.hello(45 * time.Second)
	c2.expectOp(OpIdentify)
	c2.ready(1, "sess-1", g.url())
	f.waitReady(t)
}

func TestSessionTerminalClose(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c := g.next()
	c.hello(45 * time.Second)
	c.expectOp(OpIdentify)
	c.closeWith(CloseAuthenticationFailed)

	select {
	case err := <-f.fatals:
		assert.True(t, cerr.Authentication.Has(err))
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error surfaced")
	}

	require.Eventually(t, func() bool { return f.sess.State() == StateDestroyed }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.sess.State().Terminal())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, f.sess.WaitReady(ctx), "destroyed shard never becomes ready")
}

func TestSessionCloseStopsReconnecting(t *testing.T) {
	g := newFakeGateway(t)
	f := newSessionFixture(t, g, nil)
	f.sess.Open()

	c := g.next()
	c.hello(45 * time.Second)
	c.expectOp(OpIdentify)
	c.ready(1, "sess-1", g.url())
	f.waitReady(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sess.Close(ctx))
	assert.Equal(t, StateDestroyed, f.sess.State())

	// No reconnect attempt after an intentional close.
	select {
	case <-g.conns:
		t.Fatal("session reconnected after Close")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestClassifyClose(t *testing.T) {
	for _, code := range []int{4000, 4001, 4002, 4003, 4005, 4007, 4008, 4009} {
		assert.Equal(t, actionResume, classifyClose(code), "code %d", code)
	}
	for _, code := range []int{4004, 4010, 4011, 4012, 4013, 4014} {
		assert.Equal(t, actionStop, classifyClose(code), "code %d", code)
	}
	for _, code := range []int{1000, 1001, 1006, 4006} {
		assert.Equal(t, actionReidentify, classifyClose(code), "code %d", code)
	}
}
