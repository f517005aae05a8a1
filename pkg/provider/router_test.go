package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"openclaw/pkg/config"
	"openclaw/pkg/oops"
)

// fakeClient scripts one provider's behavior.
type fakeClient struct {
	name  string
	model string
	reply string
	fail  error
	calls int
}

func (f *fakeClient) Complete(_ context.Context, _ Request) (Response, error) {
	f.calls++
	if f.fail != nil {
		return Response{}, f.fail
	}
	return Response{Content: f.reply, StopReason: "end_turn", Usage: Usage{Input: 10, Output: 5}}, nil
}

func (f *fakeClient) ModelName() string    { return f.model }
func (f *fakeClient) ProviderName() string { return f.name }

// memQuota is an in-memory QuotaStore.
type memQuota struct {
	mu       sync.Mutex
	requests map[string]int
	tokens   map[string]int
	errs     map[string]int
}

func newMemQuota() *memQuota {
	return &memQuota{requests: map[string]int{}, tokens: map[string]int{}, errs: map[string]int{}}
}

func (m *memQuota) ReserveProviderQuota(provider, day string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + "|" + day
	if limit > 0 && m.requests[key] >= limit {
		return false, nil
	}
	m.requests[key]++
	return true, nil
}

func (m *memQuota) AddProviderTokens(provider, day string, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[provider+"|"+day] += tokens
	return nil
}

func (m *memQuota) RecordProviderError(provider, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[provider+"|"+day]++
	return nil
}

func testRouter(store QuotaStore, prefs map[string]string, clients ...*fakeClient) *Router {
	cfgs := make([]config.ProviderCfg, len(clients))
	generic := make([]Client, len(clients))
	for i, c := range clients {
		cfgs[i] = config.ProviderCfg{Name: c.name, Model: c.model, ContextWindow: 1000 * (i + 1)}
		generic[i] = c
	}
	return NewRouterWithClients(store, prefs, cfgs, generic)
}

func TestRouterOrderedFallback(t *testing.T) {
	broken := &fakeClient{name: "ollama", model: "m1",
		fail: oops.New(oops.KindProvider, oops.CodeProviderTransient, "connection refused")}
	working := &fakeClient{name: "groq", model: "m2", reply: "hello"}
	store := newMemQuota()
	r := testRouter(store, nil, broken, working)

	resp, err := r.Chat(context.Background(), ChatRequest{Request: NewRequest([]Message{{Role: RoleUser, Content: "hi"}})})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Provider != "groq" || resp.Content != "hello" {
		t.Errorf("Expected groq/hello, got %s/%q", resp.Provider, resp.Content)
	}
	if resp.Model != "m2" {
		t.Errorf("Expected model m2, got %s", resp.Model)
	}
	if broken.calls != 1 {
		t.Errorf("Expected 1 call to broken provider, got %d", broken.calls)
	}

	day := time.Now().UTC().Format("2006-01-02")
	if store.errs["ollama|"+day] != 1 {
		t.Errorf("Expected 1 recorded error for ollama, got %d", store.errs["ollama|"+day])
	}
	if store.tokens["groq|"+day] != 15 {
		t.Errorf("Expected 15 tokens recorded for groq, got %d", store.tokens["groq|"+day])
	}
}

func TestRouterQuotaErrorExhaustsDay(t *testing.T) {
	limited := &fakeClient{name: "gemini", model: "m1",
		fail: oops.New(oops.KindProvider, oops.CodeQuotaExhausted, "429 resource_exhausted")}
	working := &fakeClient{name: "claude", model: "m2", reply: "ok"}
	r := testRouter(newMemQuota(), nil, limited, working)

	req := ChatRequest{Request: NewRequest([]Message{{Role: RoleUser, Content: "hi"}})}
	for i := 0; i < 2; i++ {
		resp, err := r.Chat(context.Background(), req)
		if err != nil {
			t.Fatalf("Chat %d failed: %v", i, err)
		}
		if resp.Provider != "claude" {
			t.Errorf("Chat %d: expected claude, got %s", i, resp.Provider)
		}
	}
	// The second chat must skip the exhausted provider without calling it.
	if limited.calls != 1 {
		t.Errorf("Expected 1 call to exhausted provider, got %d", limited.calls)
	}

	usable := r.Usable()
	if len(usable) != 1 || usable[0] != "claude" {
		t.Errorf("Expected only claude usable, got %v", usable)
	}
}

func TestRouterExhaustionResetsNextDay(t *testing.T) {
	flaky := &fakeClient{name: "groq", model: "m1", reply: "ok"}
	r := testRouter(newMemQuota(), nil, flaky)

	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.markExhausted("groq", r.day())

	if _, err := r.Chat(context.Background(), ChatRequest{Request: NewRequest([]Message{{Role: RoleUser, Content: "hi"}})}); !oops.Is(err, oops.CodeNoProvidersAvailable) {
		t.Fatalf("Expected no_providers_available, got %v", err)
	}

	r.now = func() time.Time { return base.Add(2 * time.Hour) } // past UTC midnight
	resp, err := r.Chat(context.Background(), ChatRequest{Request: NewRequest([]Message{{Role: RoleUser, Content: "hi"}})})
	if err != nil {
		t.Fatalf("Chat after rollover failed: %v", err)
	}
	if resp.Provider != "groq" {
		t.Errorf("Expected groq after rollover, got %s", resp.Provider)
	}
}

func TestRouterPreferredProvider(t *testing.T) {
	first := &fakeClient{name: "ollama", model: "m1", reply: "cheap"}
	preferred := &fakeClient{name: "claude", model: "m2", reply: "strong"}
	r := testRouter(newMemQuota(), nil, first, preferred)

	resp, err := r.Chat(context.Background(), ChatRequest{
		Request:           NewRequest([]Message{{Role: RoleUser, Content: "hi"}}),
		PreferredProvider: "claude",
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Provider != "claude" {
		t.Errorf("Expected preferred claude, got %s", resp.Provider)
	}
	if first.calls != 0 {
		t.Errorf("Expected first provider untouched, got %d calls", first.calls)
	}
}

func TestRouterTaskTypePreference(t *testing.T) {
	cheap := &fakeClient{name: "ollama", model: "m1", reply: "cheap"}
	strong := &fakeClient{name: "claude", model: "m2", reply: "strong"}
	prefs := map[string]string{"planning": "claude"}
	r := testRouter(newMemQuota(), prefs, cheap, strong)

	resp, err := r.Chat(context.Background(), ChatRequest{
		Request:  NewRequest([]Message{{Role: RoleUser, Content: "hi"}}),
		TaskType: "planning",
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Provider != "claude" {
		t.Errorf("Expected claude for planning, got %s", resp.Provider)
	}

	resp, err = r.Chat(context.Background(), ChatRequest{
		Request:  NewRequest([]Message{{Role: RoleUser, Content: "hi"}}),
		TaskType: "crud",
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Provider != "ollama" {
		t.Errorf("Expected configured order for unmapped task type, got %s", resp.Provider)
	}
}

func TestRouterAllowedProvidersFilter(t *testing.T) {
	a := &fakeClient{name: "ollama", model: "m1", reply: "a"}
	b := &fakeClient{name: "groq", model: "m2", reply: "b"}
	r := testRouter(newMemQuota(), nil, a, b)

	resp, err := r.Chat(context.Background(), ChatRequest{
		Request:          NewRequest([]Message{{Role: RoleUser, Content: "hi"}}),
		AllowedProviders: []string{"groq"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Provider != "groq" || a.calls != 0 {
		t.Errorf("Expected only groq consulted, got %s (a.calls=%d)", resp.Provider, a.calls)
	}

	if _, err := r.Chat(context.Background(), ChatRequest{
		Request:          NewRequest([]Message{{Role: RoleUser, Content: "hi"}}),
		AllowedProviders: []string{"nonexistent"},
	}); !oops.Is(err, oops.CodeNoProvidersAvailable) {
		t.Errorf("Expected no_providers_available, got %v", err)
	}
}

func TestRouterStoreDailyLimit(t *testing.T) {
	limited := &fakeClient{name: "gemini", model: "m1", reply: "first"}
	backup := &fakeClient{name: "claude", model: "m2", reply: "second"}
	store := newMemQuota()

	cfgs := []config.ProviderCfg{
		{Name: "gemini", Model: "m1", DailyLimit: 1},
		{Name: "claude", Model: "m2"},
	}
	r := NewRouterWithClients(store, nil, cfgs, []Client{limited, backup})

	req := ChatRequest{Request: NewRequest([]Message{{Role: RoleUser, Content: "hi"}})}
	resp, err := r.Chat(context.Background(), req)
	if err != nil || resp.Provider != "gemini" {
		t.Fatalf("First chat: got %v / %v", resp.Provider, err)
	}
	resp, err = r.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Second chat failed: %v", err)
	}
	if resp.Provider != "claude" {
		t.Errorf("Expected fallback to claude once limit spent, got %s", resp.Provider)
	}
	if limited.calls != 1 {
		t.Errorf("Expected limited provider called once, got %d", limited.calls)
	}
}

func TestRouterAllProvidersFail(t *testing.T) {
	bad := &fakeClient{name: "ollama", model: "m1",
		fail: oops.New(oops.KindProvider, oops.CodeProviderTransient, "down")}
	r := testRouter(newMemQuota(), nil, bad)

	_, err := r.Chat(context.Background(), ChatRequest{Request: NewRequest([]Message{{Role: RoleUser, Content: "hi"}})})
	if !oops.Is(err, oops.CodeNoProvidersAvailable) {
		t.Fatalf("Expected no_providers_available, got %v", err)
	}
	if !errors.Is(err, bad.fail) {
		t.Errorf("Expected underlying failure preserved in chain")
	}
}

func TestRouterContextWindow(t *testing.T) {
	a := &fakeClient{name: "ollama", model: "m1", reply: "a"}
	r := testRouter(newMemQuota(), nil, a)

	if got := r.ContextWindow("ollama"); got != 1000 {
		t.Errorf("Expected 1000, got %d", got)
	}
	if got := r.ContextWindow("unknown"); got != 0 {
		t.Errorf("Expected 0 for unknown provider, got %d", got)
	}
	if !r.Has("ollama") || r.Has("unknown") {
		t.Error("Has() misreported provider registration")
	}
}

// chatRecord captures one observer notification.
type chatRecord struct {
	provider string
	model    string
	outcome  string
	prompt   int
	complete int
}

type fakeObserver struct {
	mu      sync.Mutex
	records []chatRecord
}

func (f *fakeObserver) ObserveChat(provider, model, outcome string, promptTokens, completionTokens int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, chatRecord{provider, model, outcome, promptTokens, completionTokens})
}

func TestRouterObserverAccounting(t *testing.T) {
	bad := &fakeClient{name: "ollama", model: "m1", fail: errors.New("boom")}
	good := &fakeClient{name: "groq", model: "m2", reply: "hello"}
	r := testRouter(newMemQuota(), nil, bad, good)

	obs := &fakeObserver{}
	r.SetObserver(obs)

	if _, err := r.Chat(context.Background(), ChatRequest{Request: Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if len(obs.records) != 2 {
		t.Fatalf("Expected 2 observations, got %d", len(obs.records))
	}
	if obs.records[0].provider != "ollama" || obs.records[0].outcome != "error" {
		t.Errorf("First observation = %+v, want ollama error", obs.records[0])
	}
	if obs.records[1].provider != "groq" || obs.records[1].outcome != "ok" {
		t.Errorf("Second observation = %+v, want groq ok", obs.records[1])
	}
	if obs.records[1].prompt != 10 || obs.records[1].complete != 5 {
		t.Errorf("Token counts = %d/%d, want 10/5", obs.records[1].prompt, obs.records[1].complete)
	}
}
