// Package dispatch routes gateway action requests to whichever executor can
// reach the workstation. The live agent channel is always preferred; the SSH
// fallback serves only while no agent holds the channel. An optional response
// store replays recorded responses for idempotent re-dispatch.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"openclaw/pkg/gateway/metrics"
	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

// Channel is the live agent connection surface the dispatcher routes through.
type Channel interface {
	Connected() bool
	Send(ctx context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error)
	SendControl(ctx context.Context, kind proto.ControlKind) error
}

// Fallback executes actions on the workstation over SSH while the channel is
// down. Responses carry the same shape as channel responses.
type Fallback interface {
	Execute(ctx context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error)
	Healthy(ctx context.Context) bool
	Target() string
}

// ResponseStore records dispatch responses under (task, idempotency key) so a
// retried dispatch replays the original response instead of re-running the
// action on the workstation.
type ResponseStore interface {
	PutIdempotentResponse(taskID, key, response string) error
	GetIdempotentResponse(taskID, key string) (string, bool, error)
}

// Dispatcher selects an executor per request and satisfies the orchestrator's
// ActionDispatcher contract.
type Dispatcher struct {
	channel  Channel
	fallback Fallback      // nil when SSH fallback is not configured
	store    ResponseStore // nil disables idempotent replay
	rec      metrics.Recorder
	log      *logx.Logger
}

// New builds a dispatcher. fallback and store may be nil; rec may be nil for
// no metrics.
func New(channel Channel, fallback Fallback, store ResponseStore, rec metrics.Recorder) *Dispatcher {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Dispatcher{
		channel:  channel,
		fallback: fallback,
		store:    store,
		rec:      rec,
		log:      logx.NewLogger("dispatch"),
	}
}

// FallbackConfigured reports whether an SSH fallback executor is wired in.
func (d *Dispatcher) FallbackConfigured() bool {
	return d.fallback != nil
}

// FallbackHealthy probes the SSH fallback. False when none is configured.
func (d *Dispatcher) FallbackHealthy(ctx context.Context) bool {
	return d.fallback != nil && d.fallback.Healthy(ctx)
}

// FallbackTarget returns the user@host[:port] the fallback dials, or "".
func (d *Dispatcher) FallbackTarget() string {
	if d.fallback == nil {
		return ""
	}
	return d.fallback.Target()
}

// AgentConnected reports whether an agent currently holds the channel.
func (d *Dispatcher) AgentConnected() bool {
	return d.channel.Connected()
}

// Dispatch sends one action to the agent over the channel, or over the SSH
// fallback when no agent is connected. With neither available it fails with
// no_executor. Error-status responses are returned as responses; the error
// return covers delivery failures only.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
	start := time.Now()

	if d.channel.Connected() {
		resp, err := d.channel.Send(ctx, action, params, confirmed)
		d.rec.ObserveDispatch(metrics.TransportChannel, action, outcomeLabel(resp, err), time.Since(start))
		return resp, err
	}

	if d.fallback != nil {
		d.log.Info("no agent connected, executing %s over ssh fallback", action)
		resp, err := d.fallback.Execute(ctx, action, params, confirmed)
		d.rec.ObserveDispatch(metrics.TransportSSH, action, outcomeLabel(resp, err), time.Since(start))
		return resp, err
	}

	return nil, oops.New(oops.KindTransport, oops.CodeNoExecutor,
		"no agent connected and ssh fallback is not configured")
}

// Recorded is the result of an idempotency-aware dispatch. Raw holds the
// exact response bytes to serve; on replay they are byte-identical to the
// first dispatch.
type Recorded struct {
	Response *proto.ActionResponse
	Raw      []byte
	Replayed bool
}

// DispatchRecorded dispatches with idempotent replay. When taskID and key are
// both set and a response was recorded under them, the stored bytes are
// returned without touching the workstation. Otherwise it dispatches normally
// and records the outcome. Store failures degrade to plain dispatch.
func (d *Dispatcher) DispatchRecorded(ctx context.Context, taskID, key, action string, params map[string]any, confirmed bool) (*Recorded, error) {
	keyed := d.store != nil && taskID != "" && key != ""

	if keyed {
		cached, found, err := d.store.GetIdempotentResponse(taskID, key)
		if err != nil {
			d.log.Warn("idempotency lookup failed for %s/%s: %v", taskID, key, err)
		} else if found {
			var resp proto.ActionResponse
			if uErr := json.Unmarshal([]byte(cached), &resp); uErr != nil {
				d.log.Warn("discarding unreadable recorded response for %s/%s: %v", taskID, key, uErr)
			} else {
				d.log.Info("replaying recorded response for %s/%s", taskID, key)
				return &Recorded{Response: &resp, Raw: []byte(cached), Replayed: true}, nil
			}
		}
	}

	resp, err := d.Dispatch(ctx, action, params, confirmed)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if keyed {
		if err := d.store.PutIdempotentResponse(taskID, key, string(raw)); err != nil {
			d.log.Warn("failed to record response for %s/%s: %v", taskID, key, err)
		}
	}
	return &Recorded{Response: resp, Raw: raw}, nil
}

// Control pushes a control message to the connected agent. It reports
// delivered=false with a nil error when the deployment is running on the SSH
// fallback, where pause state lives gateway-side and there is no agent to
// signal.
func (d *Dispatcher) Control(ctx context.Context, kind proto.ControlKind) (delivered bool, err error) {
	if !d.channel.Connected() && d.fallback != nil {
		return false, nil
	}
	if err := d.channel.SendControl(ctx, kind); err != nil {
		return false, err
	}
	return true, nil
}

// outcomeLabel collapses a dispatch outcome to a bounded metric label: "ok",
// "error" for error-status responses, or the transport error code.
func outcomeLabel(resp *proto.ActionResponse, err error) string {
	if err != nil {
		if code := oops.CodeOf(err); code != "" {
			return code
		}
		return "error"
	}
	if resp != nil && resp.Status == proto.StatusError {
		return "error"
	}
	return "ok"
}
