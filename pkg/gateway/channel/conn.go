package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// maxMessageSize caps inbound frames; action results are already
	// truncated agent-side, so anything larger is malformed.
	maxMessageSize = 512 * 1024

	// sendBuffer sizes the outbound queue. Senders block with their
	// caller's context rather than dropping.
	sendBuffer = 64
)

// agentConn is one accepted agent connection. All writes go through the
// send channel so the socket has a single writer.
type agentConn struct {
	srv         *Server
	ws          *websocket.Conn
	send        chan []byte
	remote      string
	connectedAt time.Time

	mu          sync.Mutex
	pending     map[string]chan *proto.ActionResponse
	closeReason string

	closed    chan struct{}
	closeOnce sync.Once
}

func newAgentConn(srv *Server, ws *websocket.Conn, remote string) *agentConn {
	return &agentConn{
		srv:         srv,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		remote:      remote,
		connectedAt: time.Now().UTC(),
		pending:     make(map[string]chan *proto.ActionResponse),
		closed:      make(chan struct{}),
	}
}

// track registers a correlation entry for requestID.
func (c *agentConn) track(requestID string) chan *proto.ActionResponse {
	ch := make(chan *proto.ActionResponse, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// untrack evicts a correlation entry; late responses are then dropped.
func (c *agentConn) untrack(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// resolve hands a response to the waiter tracking its request id.
func (c *agentConn) resolve(resp *proto.ActionResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.srv.log.Debug("dropping late response for %s", resp.RequestID)
	}
}

// enqueue queues one frame for the writer goroutine.
func (c *agentConn) enqueue(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeErr translates the recorded close reason into a transport error.
func (c *agentConn) closeErr() error {
	c.mu.Lock()
	reason := c.closeReason
	c.mu.Unlock()

	if reason == oops.CodeSuperseded {
		return oops.New(oops.KindTransport, oops.CodeSuperseded, "agent connection superseded by a newer login")
	}
	return oops.New(oops.KindTransport, oops.CodeAgentDisconnected, "agent disconnected before responding")
}

// shutdown closes the connection once, recording the reason outstanding
// requests fail with. Safe to call from any goroutine.
func (c *agentConn) shutdown(reason string, closeCode int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(closeCode, text)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}

// readPump consumes frames until the connection dies. It runs on the HTTP
// handler goroutine.
func (c *agentConn) readPump() {
	defer func() {
		c.srv.unregister(c)
		c.shutdown(oops.CodeAgentDisconnected, websocket.CloseNormalClosure, "")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	// A healthy agent answers each ping within the pong timeout, so the
	// deadline extends on every inbound frame.
	wait := c.srv.pingInterval + c.srv.pongTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Warn("agent %s read failed: %v", c.remote, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))

		msg, err := proto.FromJSON(raw)
		if err != nil {
			c.srv.log.Warn("dropping unparseable frame from agent: %v", err)
			continue
		}

		switch msg.Type {
		case proto.KindPong:
			// Keepalive only; the deadline reset above is the effect.
		case proto.KindActionResponse:
			if msg.Response == nil || msg.Response.RequestID == "" {
				c.srv.log.Warn("dropping action_response without request id")
				continue
			}
			c.resolve(msg.Response)
		default:
			c.srv.log.Warn("ignoring unexpected %s message from agent", msg.Type)
		}
	}
}

// writePump owns all socket writes: queued frames plus the keepalive pings.
func (c *agentConn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ping, err := proto.NewPing().ToJSON()
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
