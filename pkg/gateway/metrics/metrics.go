// Package metrics provides Prometheus-based recording of gateway activity:
// dispatched actions, provider requests, and agent channel state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch transports.
const (
	TransportChannel = "channel"
	TransportSSH     = "ssh"
)

// Channel lifecycle events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventSuperseded   = "superseded"
	EventAuthRejected = "auth_rejected"
)

// Recorder defines the interface for recording gateway metrics.
type Recorder interface {
	// ObserveDispatch records one action dispatched toward the agent.
	ObserveDispatch(transport, action, status string, duration time.Duration)

	// ObserveChat records one provider completion attempt.
	ObserveChat(provider, model, outcome string, promptTokens, completionTokens int, duration time.Duration)

	// AgentEvent counts a channel lifecycle event.
	AgentEvent(event string)

	// SetAgentConnected tracks whether an agent currently holds the channel.
	SetAgentConnected(connected bool)
}

// Noop implements Recorder with no-op behavior for when metrics are disabled.
type Noop struct{}

// ObserveDispatch does nothing.
func (Noop) ObserveDispatch(transport, action, status string, duration time.Duration) {}

// ObserveChat does nothing.
func (Noop) ObserveChat(provider, model, outcome string, promptTokens, completionTokens int, duration time.Duration) {
}

// AgentEvent does nothing.
func (Noop) AgentEvent(event string) {}

// SetAgentConnected does nothing.
func (Noop) SetAgentConnected(connected bool) {}

// Prometheus implements the Recorder interface using Prometheus metrics.
type Prometheus struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	chatTotal        *prometheus.CounterVec
	chatDuration     *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	channelEvents    *prometheus.CounterVec
	agentConnected   prometheus.Gauge
}

// NewPrometheus creates a Prometheus-based recorder registered on reg. A nil
// reg uses the default registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Prometheus{
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_actions_dispatched_total",
				Help: "Total number of actions dispatched toward the agent by transport and status",
			},
			[]string{"transport", "action", "status"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openclaw_action_duration_seconds",
				Help:    "Duration of dispatched actions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "action"},
		),
		chatTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_provider_requests_total",
				Help: "Total number of provider completion attempts by outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		chatDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openclaw_provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_provider_tokens_total",
				Help: "Total number of tokens exchanged with providers",
			},
			[]string{"provider", "type"},
		),
		channelEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_agent_channel_events_total",
				Help: "Total number of agent channel lifecycle events",
			},
			[]string{"event"},
		),
		agentConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "openclaw_agent_connected",
				Help: "Whether a local agent currently holds the action channel",
			},
		),
	}
}

// ObserveDispatch records one dispatched action.
func (p *Prometheus) ObserveDispatch(transport, action, status string, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(transport, action, status).Inc()
	p.dispatchDuration.WithLabelValues(transport, action).Observe(duration.Seconds())
}

// ObserveChat records one provider completion attempt. Tokens are counted
// only on success; failed attempts still count toward the request totals.
func (p *Prometheus) ObserveChat(provider, model, outcome string, promptTokens, completionTokens int, duration time.Duration) {
	p.chatTotal.WithLabelValues(provider, model, outcome).Inc()
	p.chatDuration.WithLabelValues(provider).Observe(duration.Seconds())

	if outcome == "ok" {
		p.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// AgentEvent counts a channel lifecycle event.
func (p *Prometheus) AgentEvent(event string) {
	p.channelEvents.WithLabelValues(event).Inc()
}

// SetAgentConnected tracks the channel occupancy gauge.
func (p *Prometheus) SetAgentConnected(connected bool) {
	if connected {
		p.agentConnected.Set(1)
	} else {
		p.agentConnected.Set(0)
	}
}
