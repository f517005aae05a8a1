package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderDispatch(t *testing.T) {
	rec := NewPrometheus(prometheus.NewRegistry())

	rec.ObserveDispatch(TransportChannel, "git_status", "ok", 50*time.Millisecond)
	rec.ObserveDispatch(TransportChannel, "git_status", "ok", 20*time.Millisecond)
	rec.ObserveDispatch(TransportSSH, "file_write", "error", time.Second)

	if got := testutil.ToFloat64(rec.dispatchTotal.WithLabelValues(TransportChannel, "git_status", "ok")); got != 2 {
		t.Errorf("channel git_status ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rec.dispatchTotal.WithLabelValues(TransportSSH, "file_write", "error")); got != 1 {
		t.Errorf("ssh file_write error = %v, want 1", got)
	}
}

func TestPrometheusRecorderChatTokens(t *testing.T) {
	rec := NewPrometheus(prometheus.NewRegistry())

	rec.ObserveChat("ollama", "llama3.2", "ok", 120, 30, time.Second)
	rec.ObserveChat("groq", "llama-3.3-70b", "error", 0, 0, 200*time.Millisecond)

	if got := testutil.ToFloat64(rec.chatTotal.WithLabelValues("ollama", "llama3.2", "ok")); got != 1 {
		t.Errorf("ollama ok requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.chatTotal.WithLabelValues("groq", "llama-3.3-70b", "error")); got != 1 {
		t.Errorf("groq error requests = %v, want 1", got)
	}

	// Failed attempts never add token counts, so only the ollama prompt and
	// completion children exist.
	if got := testutil.CollectAndCount(rec.tokensTotal); got != 2 {
		t.Errorf("token counter children = %d, want 2", got)
	}
	if got := testutil.ToFloat64(rec.tokensTotal.WithLabelValues("ollama", "prompt")); got != 120 {
		t.Errorf("ollama prompt tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(rec.tokensTotal.WithLabelValues("ollama", "completion")); got != 30 {
		t.Errorf("ollama completion tokens = %v, want 30", got)
	}
}

func TestPrometheusRecorderAgentGauge(t *testing.T) {
	rec := NewPrometheus(prometheus.NewRegistry())

	rec.AgentEvent(EventConnected)
	rec.AgentEvent(EventSuperseded)
	rec.SetAgentConnected(true)

	if got := testutil.ToFloat64(rec.channelEvents.WithLabelValues(EventConnected)); got != 1 {
		t.Errorf("connected events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.channelEvents.WithLabelValues(EventSuperseded)); got != 1 {
		t.Errorf("superseded events = %v, want 1", got)
	}

	if got := testutil.ToFloat64(rec.agentConnected); got != 1 {
		t.Errorf("agent connected gauge = %v, want 1", got)
	}
	rec.SetAgentConnected(false)
	if got := testutil.ToFloat64(rec.agentConnected); got != 0 {
		t.Errorf("agent connected gauge after disconnect = %v, want 0", got)
	}
}

func TestNoopRecorderIsSafe(t *testing.T) {
	var rec Recorder = Noop{}
	rec.ObserveDispatch(TransportChannel, "git_status", "ok", time.Millisecond)
	rec.ObserveChat("ollama", "llama3.2", "ok", 1, 1, time.Millisecond)
	rec.AgentEvent(EventConnected)
	rec.SetAgentConnected(true)
}
