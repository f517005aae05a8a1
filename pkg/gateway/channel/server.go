// Package channel owns the gateway side of the action dispatch channel: a
// websocket endpoint that exactly one authenticated local agent holds at a
// time. Requests flow out with server-minted ids, responses resolve waiting
// callers through a correlation table, and a newer login supersedes the
// connection before it.
package channel

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openclaw/pkg/config"
	"openclaw/pkg/gateway/metrics"
	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

// Server accepts agent connections and correlates action requests with
// their responses.
type Server struct {
	token          []byte
	requestTimeout time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration

	upgrader websocket.Upgrader
	rec      metrics.Recorder
	log      *logx.Logger

	mu    sync.Mutex
	agent *agentConn
}

// NewServer builds the channel endpoint from gateway configuration. Zero
// timeouts fall back to the design defaults.
func NewServer(cfg config.Gateway, rec metrics.Recorder) *Server {
	if rec == nil {
		rec = metrics.Noop{}
	}
	s := &Server{
		token:          []byte(cfg.AuthToken),
		requestTimeout: cfg.RequestTimeout,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		rec:            rec,
		log:            logx.NewLogger("channel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The peer is the agent daemon, not a browser; origin
			// checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 120 * time.Second
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 30 * time.Second
	}
	if s.pongTimeout <= 0 {
		s.pongTimeout = 10 * time.Second
	}
	return s
}

// ServeHTTP upgrades an authenticated request to a websocket and runs the
// connection until the agent drops or is superseded.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.rec.AgentEvent(metrics.EventAuthRejected)
		s.log.Warn("rejected channel connection from %s: bad bearer token", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	conn := newAgentConn(s, ws, r.RemoteAddr)
	s.register(conn)

	go conn.writePump()
	conn.readPump()
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.token) == 0 {
		return false
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), s.token) == 1
}

// register installs conn as the one connected agent, closing any prior
// connection with a superseded reason. Its outstanding requests fail.
func (s *Server) register(conn *agentConn) {
	s.mu.Lock()
	prior := s.agent
	s.agent = conn
	s.mu.Unlock()

	s.rec.SetAgentConnected(true)
	s.rec.AgentEvent(metrics.EventConnected)
	s.log.Info("agent connected from %s", conn.remote)

	if prior != nil {
		s.rec.AgentEvent(metrics.EventSuperseded)
		s.log.Warn("superseding prior agent connection from %s", prior.remote)
		prior.shutdown(oops.CodeSuperseded, websocket.ClosePolicyViolation, "superseded")
	}
}

// unregister clears conn if it is still the current agent. A superseded
// connection is no longer current, so its teardown leaves the newer one
// untouched.
func (s *Server) unregister(conn *agentConn) {
	s.mu.Lock()
	current := s.agent == conn
	if current {
		s.agent = nil
	}
	s.mu.Unlock()

	if current {
		s.rec.SetAgentConnected(false)
		s.rec.AgentEvent(metrics.EventDisconnected)
		s.log.Info("agent %s disconnected", conn.remote)
	}
}

func (s *Server) current() *agentConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Connected reports whether an agent currently holds the channel.
func (s *Server) Connected() bool {
	return s.current() != nil
}

// Info returns the remote address and connect time of the current agent.
func (s *Server) Info() (remote string, since time.Time, ok bool) {
	conn := s.current()
	if conn == nil {
		return "", time.Time{}, false
	}
	return conn.remote, conn.connectedAt, true
}

// Send dispatches one action request to the connected agent and waits for
// the correlated response. It fails with agent_disconnected when no agent is
// connected, timeout when the response does not arrive in time, and
// superseded when a newer connection replaced this one mid-request.
func (s *Server) Send(ctx context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
	conn := s.current()
	if conn == nil {
		return nil, oops.New(oops.KindTransport, oops.CodeAgentDisconnected, "no agent connected")
	}

	msg := proto.NewActionRequest(action, params, confirmed)
	data, err := msg.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode action request: %w", err)
	}

	requestID := msg.Request.RequestID
	respCh := conn.track(requestID)
	defer conn.untrack(requestID)

	if err := conn.enqueue(ctx, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		s.log.Warn("action %s (%s) timed out after %s", action, requestID, s.requestTimeout)
		return nil, oops.Newf(oops.KindTransport, oops.CodeTimeout, "agent did not respond within %s", s.requestTimeout)
	case <-conn.closed:
		return nil, conn.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendControl pushes a control message to the connected agent.
func (s *Server) SendControl(ctx context.Context, kind proto.ControlKind) error {
	conn := s.current()
	if conn == nil {
		return oops.New(oops.KindTransport, oops.CodeAgentDisconnected, "no agent connected")
	}

	data, err := proto.NewControl(kind).ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	return conn.enqueue(ctx, data)
}

// Close drops the current agent connection, failing its outstanding
// requests with agent_disconnected.
func (s *Server) Close() {
	s.mu.Lock()
	conn := s.agent
	s.agent = nil
	s.mu.Unlock()

	if conn != nil {
		s.rec.SetAgentConnected(false)
		conn.shutdown(oops.CodeAgentDisconnected, websocket.CloseGoingAway, "server shutting down")
	}
}
