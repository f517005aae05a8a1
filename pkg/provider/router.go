package provider

import (
	"context"
	"sync"
	"time"

	"openclaw/pkg/config"
	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
)

// QuotaStore is the slice of the persistence layer the router needs.
type QuotaStore interface {
	ReserveProviderQuota(provider, day string, limit int) (bool, error)
	AddProviderTokens(provider, day string, tokens int) error
	RecordProviderError(provider, day string) error
}

// Observer receives accounting for every provider completion attempt. The
// gateway installs a prometheus-backed recorder.
type Observer interface {
	ObserveChat(provider, model, outcome string, promptTokens, completionTokens int, duration time.Duration)
}

// ChatRequest extends a completion request with routing directives.
type ChatRequest struct {
	Request
	TaskType          string
	PreferredProvider string
	AllowedProviders  []string
}

// ChatResponse tags a completion with the provider and model that served it.
type ChatResponse struct {
	Response
	Provider string
	Model    string
}

// Router selects among the configured providers and accounts usage per
// (provider, UTC day). A provider that reports quota exhaustion is taken out
// of rotation until the next UTC day; other failures just advance to the
// next candidate.
type Router struct {
	clients map[string]Client
	cfgs    map[string]config.ProviderCfg
	order   []string
	prefs   map[string]string
	store   QuotaStore
	obs     Observer
	log     *logx.Logger
	now     func() time.Time

	mu        sync.Mutex
	exhausted map[string]string // provider -> UTC day it ran dry
}

// NewRouter builds adapters for every configured provider. A provider whose
// API key env var is unset is skipped with a warning rather than failing
// startup; ollama needs no key.
func NewRouter(cfg *config.Gateway, store QuotaStore) (*Router, error) {
	r := newRouter(store, cfg.TaskTypePreferences)
	for _, pc := range cfg.Providers {
		client, err := NewClient(pc)
		if err != nil {
			r.log.Warn("provider %s unavailable: %v", pc.Name, err)
			continue
		}
		r.register(pc, client)
	}
	if len(r.order) == 0 {
		return nil, oops.New(oops.KindProvider, oops.CodeNoProvidersAvailable, "no providers could be initialized")
	}
	return r, nil
}

// NewRouterWithClients wires pre-built adapters in the given order. Tests
// use it to route across fakes.
func NewRouterWithClients(store QuotaStore, prefs map[string]string, cfgs []config.ProviderCfg, clients []Client) *Router {
	r := newRouter(store, prefs)
	for i := range clients {
		r.register(cfgs[i], clients[i])
	}
	return r
}

func newRouter(store QuotaStore, prefs map[string]string) *Router {
	return &Router{
		clients:   make(map[string]Client),
		cfgs:      make(map[string]config.ProviderCfg),
		prefs:     prefs,
		store:     store,
		log:       logx.NewLogger("provider"),
		now:       time.Now,
		exhausted: make(map[string]string),
	}
}

func (r *Router) register(cfg config.ProviderCfg, client Client) {
	r.clients[cfg.Name] = client
	r.cfgs[cfg.Name] = cfg
	r.order = append(r.order, cfg.Name)
}

// SetObserver installs the per-request accounting sink. Call before serving.
func (r *Router) SetObserver(obs Observer) {
	r.obs = obs
}

func (r *Router) observe(provider, model, outcome string, in, out int, d time.Duration) {
	if r.obs != nil {
		r.obs.ObserveChat(provider, model, outcome, in, out, d)
	}
}

// NewClient builds the adapter for one provider entry.
func NewClient(cfg config.ProviderCfg) (Client, error) {
	if cfg.Name == config.ProviderOllama {
		return NewOllama(cfg), nil
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key, _ = config.GetSecret(cfg.APIKeyEnv)
	}
	if key == "" {
		return nil, oops.Newf(oops.KindProvider, oops.CodeProviderAuth, "%s requires %s to be set", cfg.Name, cfg.APIKeyEnv)
	}
	switch cfg.Name {
	case config.ProviderClaude:
		return NewClaude(cfg, key), nil
	case config.ProviderGroq:
		return NewGroq(cfg, key), nil
	case config.ProviderGemini:
		return NewGemini(cfg, key), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg, key), nil
	default:
		return nil, oops.Newf(oops.KindProvider, oops.CodeProviderAuth, "unknown provider: %s", cfg.Name)
	}
}

// Chat tries each candidate provider in selection order until one answers.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	var lastErr error
	for _, name := range r.candidates(&req) {
		client := r.clients[name]
		day := r.day()
		if r.isExhausted(name, day) {
			continue
		}
		ok, err := r.store.ReserveProviderQuota(name, day, r.cfgs[name].DailyLimit)
		if err != nil {
			return ChatResponse{}, err
		}
		if !ok {
			r.log.Warn("provider %s daily quota spent, skipping", name)
			r.markExhausted(name, day)
			continue
		}

		start := r.now()
		resp, err := client.Complete(ctx, req.Request)
		if err != nil {
			lastErr = err
			r.observe(name, client.ModelName(), "error", 0, 0, time.Since(start))
			if storeErr := r.store.RecordProviderError(name, day); storeErr != nil {
				r.log.Warn("failed to record provider error for %s: %v", name, storeErr)
			}
			if IsDayExhausting(err) {
				r.log.Warn("provider %s exhausted for the day: %v", name, err)
				r.markExhausted(name, day)
			} else {
				r.log.Warn("provider %s failed, trying next: %v", name, err)
			}
			if ctx.Err() != nil {
				return ChatResponse{}, classify(name, ctx.Err())
			}
			continue
		}

		r.observe(name, client.ModelName(), "ok", resp.Usage.Input, resp.Usage.Output, time.Since(start))
		if tokens := resp.Usage.Total(); tokens > 0 {
			if storeErr := r.store.AddProviderTokens(name, day, tokens); storeErr != nil {
				r.log.Warn("failed to record token usage for %s: %v", name, storeErr)
			}
		}
		r.log.Debug("provider %s served request (model %s, %d tool calls)", name, client.ModelName(), len(resp.ToolCalls))
		return ChatResponse{Response: resp, Provider: name, Model: client.ModelName()}, nil
	}

	if lastErr != nil {
		return ChatResponse{}, oops.Wrap(oops.KindProvider, oops.CodeNoProvidersAvailable, lastErr, "all providers failed")
	}
	return ChatResponse{}, oops.New(oops.KindProvider, oops.CodeNoProvidersAvailable, "no providers available")
}

// candidates orders the providers for one request: the preferred provider,
// then the task-type mapping, then everything else in configured order.
// AllowedProviders filters throughout when set.
func (r *Router) candidates(req *ChatRequest) []string {
	var allowed map[string]bool
	if len(req.AllowedProviders) > 0 {
		allowed = make(map[string]bool, len(req.AllowedProviders))
		for _, name := range req.AllowedProviders {
			allowed[name] = true
		}
	}

	var out []string
	seen := make(map[string]bool)
	push := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := r.clients[name]; !ok {
			return
		}
		if allowed != nil && !allowed[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	push(req.PreferredProvider)
	if req.TaskType != "" {
		push(r.prefs[req.TaskType])
	}
	for _, name := range r.order {
		push(name)
	}
	return out
}

// Has reports whether a provider was initialized.
func (r *Router) Has(name string) bool {
	_, ok := r.clients[name]
	return ok
}

// ContextWindow returns the provider's configured context window, or zero
// for unknown providers.
func (r *Router) ContextWindow(name string) int {
	return r.cfgs[name].ContextWindow
}

// ModelFor returns the model identifier an initialized provider serves.
func (r *Router) ModelFor(name string) string {
	if client, ok := r.clients[name]; ok {
		return client.ModelName()
	}
	return ""
}

// MinContextWindow returns the smallest context window across the
// initialized providers, or zero when none are configured.
func (r *Router) MinContextWindow() int {
	smallest := 0
	for _, name := range r.order {
		w := r.cfgs[name].ContextWindow
		if w > 0 && (smallest == 0 || w < smallest) {
			smallest = w
		}
	}
	return smallest
}

// Usable lists the providers currently in rotation: initialized and not
// marked exhausted for today.
func (r *Router) Usable() []string {
	day := r.day()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if !r.isExhausted(name, day) {
			out = append(out, name)
		}
	}
	return out
}

func (r *Router) day() string {
	return r.now().UTC().Format("2006-01-02")
}

func (r *Router) isExhausted(name, day string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted[name] == day
}

func (r *Router) markExhausted(name, day string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted[name] = day
}
