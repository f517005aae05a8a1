// Package controlapi serves the gateway's loopback control surface: action
// dispatch over HTTP, the emergency-stop and resume controls, agent and
// fallback status, prometheus metrics, usage aggregates, and recent log
// lines. It binds to loopback only; external access goes through an
// authenticated reverse proxy.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openclaw/pkg/gateway/dispatch"
	"openclaw/pkg/gateway/metrics"
	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

// UsageService answers aggregated token-usage queries. *metrics.QueryService
// implements it; the endpoint reports unavailable while it is nil.
type UsageService interface {
	GetProviderUsage(ctx context.Context, provider string) (*metrics.ProviderUsage, error)
	GetAllProviderUsage(ctx context.Context) (map[string]*metrics.ProviderUsage, error)
}

// Server is the control API HTTP server.
type Server struct {
	dispatcher *dispatch.Dispatcher
	usage      UsageService
	gatherer   prometheus.Gatherer
	logger     *logx.Logger
}

// NewServer creates a control API server over the given dispatcher.
func NewServer(dispatcher *dispatch.Dispatcher) *Server {
	return &Server{
		dispatcher: dispatcher,
		logger:     logx.NewLogger("controlapi"),
	}
}

// SetUsageService installs the external-Prometheus usage reader.
func (s *Server) SetUsageService(usage UsageService) {
	s.usage = usage
}

// SetGatherer installs the metrics registry served on /metrics.
func (s *Server) SetGatherer(gatherer prometheus.Gatherer) {
	s.gatherer = gatherer
}

// RegisterRoutes sets up HTTP routes for the control API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/action", s.handleAction)
	mux.HandleFunc("/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/logs", s.handleLogs)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// handleStatus implements GET /status. The fallback health probe is live;
// each call dials the SSH target.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_connected":      s.dispatcher.AgentConnected(),
		"ssh_fallback_enabled": s.dispatcher.FallbackConfigured(),
		"ssh_fallback_healthy": s.dispatcher.FallbackHealthy(r.Context()),
		"ssh_fallback_target":  s.dispatcher.FallbackTarget(),
	})
}

type actionRequest struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	Confirmed      bool           `json:"confirmed"`
	TaskID         string         `json:"task_id"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// handleAction implements POST /action. The response body is the agent's
// action_response payload. Delivery failures map to 503, a response that
// never arrived maps to 504; an error-status response from the live channel
// is still a 200 because the caller inspects its status field. Only the SSH
// path reports error-status responses as 503, where they signal a degraded
// deployment rather than a rejected action.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body."})
		return
	}
	if req.Action == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing 'action' field."})
		return
	}

	viaSSH := !s.dispatcher.AgentConnected() && s.dispatcher.FallbackConfigured()

	rec, err := s.dispatcher.DispatchRecorded(r.Context(), req.TaskID, req.IdempotencyKey, req.Action, req.Params, req.Confirmed)
	if err != nil {
		switch {
		case oops.Is(err, oops.CodeTimeout):
			s.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "Agent did not respond in time."})
		case oops.Is(err, oops.CodeNoExecutor):
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "No agent connected and SSH fallback is not configured."})
		default:
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		}
		return
	}

	status := http.StatusOK
	if viaSSH && !rec.Replayed && rec.Response.Status == proto.StatusError {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(rec.Raw); err != nil {
		s.logger.Error("Failed to write action response: %v", err)
	}
}

// handleEmergencyStop implements POST /emergency-stop.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, proto.ControlEmergencyStop, "emergency_stop_sent")
}

// handleResume implements POST /resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, proto.ControlResume, "resume_sent")
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, kind proto.ControlKind, sent string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	delivered, err := s.dispatcher.Control(r.Context(), kind)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !delivered {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "not_applicable_in_ssh_mode"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": sent})
}

// handleUsage implements GET /usage and GET /usage?provider=NAME.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.usage == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Usage queries require PROMETHEUS_URL."})
		return
	}

	if provider := r.URL.Query().Get("provider"); provider != "" {
		usage, err := s.usage.GetProviderUsage(r.Context(), provider)
		if err != nil {
			s.logger.Error("Usage query for %s failed: %v", provider, err)
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, usage)
		return
	}

	all, err := s.usage.GetAllProviderUsage(r.Context())
	if err != nil {
		s.logger.Error("Usage query failed: %v", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

// handleLogs implements GET /logs with optional component and since
// (RFC3339) filters, serving the in-memory ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	component := query.Get("component")

	var since time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, logx.RecentEntries(component, since))
}

// StartServer starts the control API on addr and shuts it down when ctx is
// cancelled.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("control API listening on http://%s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control API server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; shutdown needs a fresh one
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("control API shutdown failed: %v", err)
		}
	}()

	return nil
}
