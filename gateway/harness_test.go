package gateway

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-process WebSocket endpoint the session code dials.
// Each accepted and upgraded connection is handed to the test as a
// serverConn to script.
type fakeGateway struct {
	t     *testing.T
	ln    net.Listener
	conns chan *serverConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := &fakeGateway{t: t, ln: ln, conns: make(chan *serverConn, 8)}
	go g.accept()
	t.Cleanup(func() { _ = ln.Close() })
	return g
}

func (g *fakeGateway) url() string {
	return "ws://" + g.ln.Addr().String()
}

func (g *fakeGateway) accept() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			if _, err := ws.Upgrade(conn); err != nil {
				_ = conn.Close()
				return
			}
			g.conns <- &serverConn{t: g.t, conn: conn}
		}(conn)
	}
}

// next returns the next upgraded connection or fails the test.
func (g *fakeGateway) next() *serverConn {
	g.t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(3 * time.Second):
		g.t.Fatal("no gateway connection arrived")
		return nil
	}
}

type serverConn struct {
	t    *testing.T
	conn net.Conn
}

type serverPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func (c *serverConn) send(op int, d any, seq int64, name string) {
	c.t.Helper()
	var raw json.RawMessage
	if d != nil {
		b, err := json.Marshal(d)
		require.NoError(c.t, err)
		raw = b
	}
	frame, err := json.Marshal(serverPayload{Op: op, D: raw, S: seq, T: name})
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteServerMessage(c.conn, ws.OpText, frame))
}

func (c *serverConn) hello(interval time.Duration) {
	c.send(OpHello, map[string]any{"heartbeat_interval": interval.Milliseconds()}, 0, "")
}

func (c *serverConn) dispatch(name string, seq int64, d any) {
	c.send(OpDispatch, d, seq, name)
}

func (c *serverConn) ready(seq int64, sessionID, resumeURL string) {
	c.dispatch("READY", seq, map[string]string{
		"session_id":         sessionID,
		"resume_gateway_url": resumeURL,
	})
}

// read returns the next client frame, skipping nothing.
func (c *serverConn) read() (serverPayload, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, _, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		return serverPayload{}, err
	}
	var p serverPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return serverPayload{}, err
	}
	return p, nil
}

// expectOp reads client frames until one matches op, skipping heartbeats
// along the way (and answering them so the session stays healthy).
func (c *serverConn) expectOp(op int) serverPayload {
	c.t.Helper()
	for {
		p, err := c.read()
		require.NoError(c.t, err, "waiting for op %d", op)
		if p.Op == OpHeartbeat && op != OpHeartbeat {
			c.send(OpHeartbeatACK, nil, 0, "")
			continue
		}
		require.Equal(c.t, op, p.Op)
		return p
	}
}

// expectClose reads raw client frames until a close frame arrives and
// returns its status code. No close reply is sent.
func (c *serverConn) expectClose() ws.StatusCode {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		frame, err := ws.ReadFrame(c.conn)
		require.NoError(c.t, err)
		frame = ws.UnmaskFrameInPlace(frame)
		if frame.Header.OpCode == ws.OpClose {
			code, _ := ws.ParseCloseFrameData(frame.Payload)
			return code
		}
	}
}

// closeWith sends a close frame, drains the client's close reply and tears
// the socket down.
func (c *serverConn) closeWith(code int) {
	c.t.Helper()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), "")
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := wsutil.ReadClientData(c.conn); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

func (c *serverConn) drop() {
	_ = c.conn.Close()
}
