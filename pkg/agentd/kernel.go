// Package agentd is the workstation-side execution agent: a websocket client
// that holds the channel to the gateway, a validation kernel that decides
// every inbound action request, and the handlers that do the actual work with
// fixed argument vectors.
package agentd

import (
	"context"
	"sync/atomic"
	"time"

	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

// Kernel validates and executes action requests. Checks run in a fixed
// order: emergency-stop latch, rate limit, registry lookup, tier, path jail,
// confirmation, execution. Every outcome is audit-logged.
type Kernel struct {
	registry Registry
	jail     *Jail
	limiter  *slidingWindow
	audit    *AuditLog
	confirm  Confirmer
	log      *logx.Logger

	stopped atomic.Bool
}

// NewKernel wires the validation pipeline. A nil confirmer defers CONFIRM
// decisions back to the gateway with requires_confirmation.
func NewKernel(registry Registry, jail *Jail, ratePerMinute int, audit *AuditLog, confirm Confirmer) *Kernel {
	return &Kernel{
		registry: registry,
		jail:     jail,
		limiter:  newSlidingWindow(ratePerMinute),
		audit:    audit,
		confirm:  confirm,
		log:      logx.NewLogger("kernel"),
	}
}

// SetEmergencyStop latches (or clears) the kill switch. While latched, every
// request is rejected before any other check.
func (k *Kernel) SetEmergencyStop(on bool) {
	k.stopped.Store(on)
	if on {
		k.log.Warn("emergency stop engaged; all actions blocked")
	} else {
		k.log.Info("emergency stop cleared; actions resume")
	}
}

// EmergencyStopped reports the latch state.
func (k *Kernel) EmergencyStopped() bool {
	return k.stopped.Load()
}

// Handle runs one request through the pipeline and returns the response
// envelope to put on the wire.
func (k *Kernel) Handle(ctx context.Context, req *proto.ActionRequest) *proto.Message {
	start := time.Now()
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	if k.stopped.Load() {
		return k.reject(req, params, oops.CodeEmergencyStop, start)
	}

	if !k.limiter.Allow() {
		return k.reject(req, params, oops.CodeRateLimited, start)
	}

	spec, ok := k.registry[req.Action]
	if !ok {
		return k.reject(req, params, oops.CodeUnknownAction, start)
	}

	if spec.tier == TierBlocked {
		k.log.Warn("blocked action attempted: %s", req.Action)
		return k.reject(req, params, oops.CodeBlocked, start)
	}

	inv := &Invocation{Params: params, Timeout: spec.timeout}
	if len(spec.pathKeys) > 0 {
		raw, present := firstString(params, spec.pathKeys...)
		switch {
		case !present && spec.pathOptional:
			// No working directory; the handler runs without one.
		case !present:
			return k.reject(req, params, oops.CodeParamMissing, start)
		default:
			resolved, err := k.jail.Resolve(raw)
			if err != nil {
				k.log.Warn("action %s rejected: %v", req.Action, err)
				return k.reject(req, params, oops.CodeOf(err), start)
			}
			inv.Path = resolved
		}
	}

	if spec.tier == TierConfirm && !req.Confirmed {
		if k.confirm == nil {
			return k.reject(req, params, oops.CodeRequiresConfirmation, start)
		}
		if !k.confirm.Confirm(ctx, req.Action, params) {
			return k.reject(req, params, oops.CodeDeniedByUser, start)
		}
	}

	result := spec.run(ctx, inv)
	duration := time.Since(start)
	k.audit.Record(req.Action, params, decisionExecuted, &result.Returncode, duration)
	k.log.Info("executed %s (rc=%d, %s)", req.Action, result.Returncode, duration.Round(time.Millisecond))
	return proto.NewActionResponse(req.RequestID, req.Action, result)
}

func (k *Kernel) reject(req *proto.ActionRequest, params map[string]any, code string, start time.Time) *proto.Message {
	k.audit.Record(req.Action, params, code, nil, time.Since(start))
	return proto.NewErrorResponse(req.RequestID, req.Action, code)
}
