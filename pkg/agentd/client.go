package agentd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openclaw/pkg/config"
	"openclaw/pkg/logx"
	"openclaw/pkg/proto"
)

const (
	// dialTimeout bounds the websocket handshake.
	dialTimeout = 10 * time.Second

	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second

	// readIdleTimeout is three missed server pings; past that the
	// connection is declared dead client-side too.
	readIdleTimeout = 90 * time.Second

	// requestQueueSize buffers inbound action requests for the executor
	// goroutine. The rate limit keeps the queue shallow in practice.
	requestQueueSize = 64
)

// errSuperseded marks a connection closed because a newer agent logged in.
var errSuperseded = errors.New("superseded by a newer agent connection")

// Daemon is the long-running agent process: it holds the channel to the
// gateway, feeds requests through the kernel one at a time in arrival order,
// and reconnects with exponential backoff when the channel drops.
type Daemon struct {
	cfg    config.Agent
	kernel *Kernel
	audit  *AuditLog
	log    *logx.Logger
}

// New assembles the agent from configuration: path jail, audit log, handler
// registry, and the validation kernel. In prompt mode with an interactive
// stdin, CONFIRM-tier actions ask on the terminal; otherwise they defer to
// the gateway.
func New(cfg config.Agent) (*Daemon, error) {
	jail, err := NewJail(cfg.AllowedRoots)
	if err != nil {
		return nil, err
	}
	audit, err := NewAuditLog(cfg.AuditLogDir, cfg.AuditLogFile)
	if err != nil {
		return nil, err
	}

	var confirm Confirmer
	if cfg.ConfirmMode == config.ConfirmModePrompt && StdinIsTerminal() {
		confirm = &TerminalConfirmer{Timeout: cfg.ConfirmTimeout}
	}

	kernel := NewKernel(newRegistry(newHandlers(cfg)), jail, cfg.RateLimitPerMinute, audit, confirm)
	kernel.SetEmergencyStop(cfg.EmergencyStop)

	return &Daemon{
		cfg:    cfg,
		kernel: kernel,
		audit:  audit,
		log:    logx.NewLogger("agentd"),
	}, nil
}

// Close releases the audit log.
func (d *Daemon) Close() error {
	return d.audit.Close()
}

// Run connects to the gateway and serves the channel until ctx is cancelled,
// backing off exponentially between attempts. A successful handshake resets
// the backoff; being superseded jumps it straight to the maximum so two
// agents never fight over the channel.
func (d *Daemon) Run(ctx context.Context) error {
	minDelay := d.cfg.ReconnectMinDelay
	if minDelay <= 0 {
		minDelay = 5 * time.Second
	}
	maxDelay := d.cfg.ReconnectMaxDelay
	if maxDelay < minDelay {
		maxDelay = 120 * time.Second
	}

	delay := minDelay
	for {
		authed, err := d.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authed {
			delay = minDelay
		}
		if errors.Is(err, errSuperseded) {
			delay = maxDelay
			d.log.Warn("superseded by another agent connection; backing off %s", delay)
		} else {
			d.log.Warn("channel lost: %v; reconnecting in %s", err, delay)
		}

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// runConn dials the gateway once and serves the connection until it dies.
// authed reports whether the handshake succeeded, which is what resets the
// reconnect backoff.
func (d *Daemon) runConn(ctx context.Context) (authed bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{"Authorization": {"Bearer " + d.cfg.AuthToken}}

	ws, resp, err := dialer.DialContext(ctx, d.cfg.GatewayURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("gateway rejected the auth token")
		}
		return false, fmt.Errorf("failed to dial %s: %w", d.cfg.GatewayURL, err)
	}
	defer ws.Close()
	d.log.Info("connected to gateway at %s", d.cfg.GatewayURL)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation must unblock the blocking read below.
	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()

	var writeMu sync.Mutex
	requests := make(chan *proto.ActionRequest, requestQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.executePump(connCtx, ws, &writeMu, requests)
	}()
	// Cancel before waiting so a long-running action is killed through its
	// context instead of stalling the reconnect.
	defer func() {
		cancel()
		close(requests)
		<-done
	}()

	return true, d.readPump(connCtx, ws, &writeMu, requests)
}

// readPump is the single consumer of the socket. Keepalives and control
// latches are handled inline so they take effect even while a long action
// runs; action requests queue to the executor in arrival order.
func (d *Daemon) readPump(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex, requests chan<- *proto.ActionRequest) error {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return errSuperseded
			}
			return err
		}

		msg, err := proto.FromJSON(data)
		if err != nil {
			d.log.Warn("dropping unparseable channel message: %v", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			d.log.Warn("dropping malformed %s message: %v", msg.Type, err)
			continue
		}

		switch msg.Type {
		case proto.KindPing:
			if err := d.write(ws, writeMu, proto.NewPong()); err != nil {
				return err
			}
		case proto.KindControl:
			d.applyControl(msg.Control.Kind)
		case proto.KindActionRequest:
			select {
			case requests <- msg.Request:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			d.log.Warn("ignoring unexpected %s message from gateway", msg.Type)
		}
	}
}

// executePump drains the request queue one action at a time, preserving
// arrival order.
func (d *Daemon) executePump(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex, requests <-chan *proto.ActionRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			resp := d.kernel.Handle(ctx, req)
			if err := d.write(ws, writeMu, resp); err != nil {
				d.log.Warn("failed to send response for %s: %v", req.RequestID, err)
				return
			}
		}
	}
}

// applyControl flips the emergency-stop latch. Controls act immediately,
// even while an action is executing.
func (d *Daemon) applyControl(kind proto.ControlKind) {
	switch kind {
	case proto.ControlEmergencyStop:
		d.kernel.SetEmergencyStop(true)
	case proto.ControlResume:
		d.kernel.SetEmergencyStop(false)
	}
}

// write serializes one envelope onto the socket. The mutex covers the pong
// path and the response path sharing the connection.
func (d *Daemon) write(ws *websocket.Conn, writeMu *sync.Mutex, msg *proto.Message) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// sleepCtx sleeps for d or until ctx is cancelled; it reports whether the
// full sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
