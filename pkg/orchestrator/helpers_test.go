package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"openclaw/pkg/persistence"
	"openclaw/pkg/proto"
	"openclaw/pkg/provider"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedProject(t *testing.T, store *persistence.Store, name string) *persistence.Project {
	t.Helper()

	p := &persistence.Project{
		ID:          persistence.GenerateProjectID(),
		Name:        name,
		DisplayName: name,
		Workdir:     "/home/dev/projects/" + name,
	}
	if err := store.CreateProject(p); err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	return p
}

// seedPlan inserts an approved plan with the given milestone:title pairs and
// moves the project to approved.
func seedPlan(t *testing.T, store *persistence.Store, projectID string, tasks [][2]string) (*persistence.Plan, []*persistence.Task) {
	t.Helper()

	plan := &persistence.Plan{
		ID:        persistence.GeneratePlanID(),
		ProjectID: projectID,
		Summary:   "seeded plan",
		Content:   "{}",
	}
	if err := store.CreatePlan(plan); err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}

	rows := make([]*persistence.Task, 0, len(tasks))
	milestoneIdx := -1
	lastMilestone := ""
	for i, pair := range tasks {
		if pair[0] != lastMilestone {
			milestoneIdx++
			lastMilestone = pair[0]
		}
		rows = append(rows, &persistence.Task{
			ID:             persistence.GenerateTaskID(),
			PlanID:         plan.ID,
			ProjectID:      projectID,
			Milestone:      pair[0],
			Title:          pair[1],
			Description:    "do " + pair[1],
			MilestoneIndex: milestoneIdx,
			OrderIndex:     i,
		})
	}
	if err := store.InsertPlanTasks(rows); err != nil {
		t.Fatalf("Failed to insert tasks: %v", err)
	}

	if err := store.ApprovePlan(plan.ID); err != nil {
		t.Fatalf("Failed to approve plan: %v", err)
	}
	if err := store.TransitionProject(projectID, persistence.StatusIdeation, persistence.StatusPlanning); err != nil {
		t.Fatalf("Failed to move project to planning: %v", err)
	}
	if err := store.TransitionProject(projectID, persistence.StatusPlanning, persistence.StatusApproved); err != nil {
		t.Fatalf("Failed to approve project: %v", err)
	}
	return plan, rows
}

// fakeChat scripts the router. Each Chat call is recorded and answered by
// the handler.
type fakeChat struct {
	mu      sync.Mutex
	reqs    []provider.ChatRequest
	handler func(call int, req provider.ChatRequest) (provider.ChatResponse, error)
	windows map[string]int
}

func newFakeChat(handler func(call int, req provider.ChatRequest) (provider.ChatResponse, error)) *fakeChat {
	return &fakeChat{
		handler: handler,
		windows: map[string]int{"ollama": 32768, "groq": 131072},
	}
}

func (f *fakeChat) Chat(_ context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	call := len(f.reqs)
	f.mu.Unlock()
	return f.handler(call, req)
}

func (f *fakeChat) Has(name string) bool {
	_, ok := f.windows[name]
	return ok
}

func (f *fakeChat) ContextWindow(name string) int { return f.windows[name] }

func (f *fakeChat) MinContextWindow() int {
	smallest := 0
	for _, w := range f.windows {
		if smallest == 0 || w < smallest {
			smallest = w
		}
	}
	return smallest
}

func (f *fakeChat) requests() []provider.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.ChatRequest(nil), f.reqs...)
}

func textResponse(text string) provider.ChatResponse {
	return provider.ChatResponse{
		Response: provider.Response{Content: text, StopReason: "end_turn"},
		Provider: "ollama",
		Model:    "test-model",
	}
}

func toolCallResponse(id, name string, params map[string]any) provider.ChatResponse {
	return provider.ChatResponse{
		Response: provider.Response{
			ToolCalls:  []provider.ToolCall{{ID: id, Name: name, Parameters: params}},
			StopReason: "tool_use",
		},
		Provider: "ollama",
		Model:    "test-model",
	}
}

type dispatchCall struct {
	action    string
	params    map[string]any
	confirmed bool
}

// fakeAgent records dispatched actions and answers with a scripted or
// default OK response.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []dispatchCall
	respond func(action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error)
}

func (f *fakeAgent) Dispatch(_ context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{action: action, params: params, confirmed: confirmed})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(action, params, confirmed)
	}
	return &proto.ActionResponse{
		RequestID: "req-1",
		Status:    proto.StatusOK,
		Action:    action,
		Result:    &proto.ActionResult{Stdout: "done", Returncode: 0},
	}, nil
}

func (f *fakeAgent) dispatched() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

// eventRecorder captures fan-out events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	kind    string
	message string
}

func (r *eventRecorder) progress(_ context.Context, _ string, kind, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: kind, message: message})
	return nil
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.kind
	}
	return out
}

func (r *eventRecorder) find(kind string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.kind == kind {
			return ev, true
		}
	}
	return recordedEvent{}, false
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
