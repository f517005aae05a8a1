package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"openclaw/pkg/config"
	"openclaw/pkg/persistence"
	"openclaw/pkg/provider"
)

// managerScript serves both planning and coding calls: planning requests get
// the canned plan JSON, coding requests finish immediately with text.
func managerScript(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
	if req.TaskType == TaskTypePlanning {
		return textResponse(planJSON), nil
	}
	return textResponse("Task complete."), nil
}

func newTestManager(t *testing.T, handler func(int, provider.ChatRequest) (provider.ChatResponse, error), mutate func(*config.Gateway)) (*Manager, *persistence.Store, *eventRecorder) {
	t.Helper()

	cfg := config.DefaultGateway()
	cfg.WorkspaceRoot = filepath.Join(t.TempDir(), "projects")
	cfg.EscalationChain = []string{"ollama", "groq"}
	cfg.AutoApproveAndStart = false
	if mutate != nil {
		mutate(&cfg)
	}

	store := newTestStore(t)
	rec := &eventRecorder{}
	m := NewManager(cfg, store, newFakeChat(handler), &fakeAgent{}, NewNotifier(nil, rec.progress), nil, nil)
	t.Cleanup(m.Shutdown)
	return m, store, rec
}

func TestManagerCreateProject(t *testing.T) {
	m, store, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	reply, err := m.CreateProject(ctx, "My Todo App", "a todo list with due dates")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	wantPath := filepath.Join(m.cfg.WorkspaceRoot, "my-todo-app")
	if reply != "Created project 'My Todo App' at "+wantPath+"." {
		t.Errorf("Unexpected reply: %q", reply)
	}

	p, err := store.GetProjectByName("my-todo-app")
	if err != nil {
		t.Fatalf("Project not stored: %v", err)
	}
	if p.DisplayName != "My Todo App" || p.Status != persistence.StatusIdeation {
		t.Errorf("Unexpected project: %+v", p)
	}

	// The description became the first idea.
	count, err := store.CountIdeas(p.ID)
	if err != nil {
		t.Fatalf("CountIdeas failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected description captured as idea, got %d", count)
	}

	if _, err := m.CreateProject(ctx, "my todo APP", ""); err == nil {
		t.Error("Expected duplicate slug rejection")
	}
	if _, err := m.CreateProject(ctx, "   ", ""); err == nil {
		t.Error("Expected empty name rejection")
	}
}

func TestManagerAddIdeaAndList(t *testing.T) {
	m, _, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	empty, err := m.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if empty != "No projects found." {
		t.Errorf("Unexpected empty list reply: %q", empty)
	}

	if _, err := m.CreateProject(ctx, "todo", ""); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	reply, err := m.AddIdea(ctx, "todo", "support markdown notes")
	if err != nil {
		t.Fatalf("AddIdea failed: %v", err)
	}
	if reply != "Added idea #1 to 'todo'." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	reply, err = m.AddIdea(ctx, "todo", "dark mode")
	if err != nil {
		t.Fatalf("AddIdea failed: %v", err)
	}
	if reply != "Added idea #2 to 'todo'." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	if _, err := m.AddIdea(ctx, "todo", "   "); err == nil {
		t.Error("Expected empty idea rejection")
	}
	if _, err := m.AddIdea(ctx, "missing", "x"); err == nil {
		t.Error("Expected unknown project rejection")
	}

	list, err := m.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if !strings.HasPrefix(list, "Projects:") {
		t.Errorf("Unexpected list header: %q", list)
	}
	if !strings.Contains(list, "• todo [ideation] — 2 ideas (id: ") {
		t.Errorf("Unexpected list entry: %q", list)
	}
}

func TestManagerProjectStatus(t *testing.T) {
	m, _, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", ""); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	for _, idea := range []string{"one", "two", "three", "four"} {
		if _, err := m.AddIdea(ctx, "todo", idea); err != nil {
			t.Fatalf("AddIdea failed: %v", err)
		}
	}

	status, err := m.ProjectStatus(ctx, "todo")
	if err != nil {
		t.Fatalf("ProjectStatus failed: %v", err)
	}
	for _, want := range []string{"Project: todo", "Status: ideation", "Path: ", "Ideas: 4", "Recent ideas:"} {
		if !strings.Contains(status, want) {
			t.Errorf("Status missing %q:\n%s", want, status)
		}
	}
	// Only the last three ideas show.
	if strings.Contains(status, "- one") {
		t.Errorf("Oldest idea should be elided:\n%s", status)
	}
	for _, want := range []string{"- two", "- three", "- four"} {
		if !strings.Contains(status, want) {
			t.Errorf("Status missing recent idea %q:\n%s", want, status)
		}
	}
}

func TestManagerGeneratePlan(t *testing.T) {
	m, store, rec := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", "a todo app"); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if _, err := m.GeneratePlan(ctx, "nope"); err == nil {
		t.Error("Expected unknown project rejection")
	}

	reply, err := m.GeneratePlan(ctx, "todo")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if reply != "Plan generation started for project 'todo'. I will notify you when it's ready for review." {
		t.Errorf("Unexpected reply: %q", reply)
	}

	p, _ := store.GetProjectByName("todo")
	if p.Status != persistence.StatusPlanning {
		t.Errorf("Expected planning status, got %q", p.Status)
	}

	waitFor(t, 5*time.Second, "plan_generated event", func() bool {
		_, ok := rec.find(EventPlanGenerated)
		return ok
	})

	plan, err := store.GetActivePlan(p.ID)
	if err != nil {
		t.Fatalf("GetActivePlan failed: %v", err)
	}
	if plan.Status != persistence.PlanDraft || plan.Version != 1 {
		t.Errorf("Unexpected plan: status=%s version=%d", plan.Status, plan.Version)
	}
	if plan.Summary != "A todo app" {
		t.Errorf("Unexpected summary: %q", plan.Summary)
	}

	tasks, err := store.ListTasksByPlan(plan.ID)
	if err != nil {
		t.Fatalf("ListTasksByPlan failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Title != "Scaffold app" || tasks[1].Title != "Add models" {
		t.Errorf("Tasks out of order: %s, %s", tasks[0].Title, tasks[1].Title)
	}
	if tasks[0].OrderIndex != 0 || tasks[1].OrderIndex != 1 {
		t.Errorf("Unexpected order indices: %d, %d", tasks[0].OrderIndex, tasks[1].OrderIndex)
	}
	if tasks[1].AssignedAgentRole == nil || *tasks[1].AssignedAgentRole != "developer" {
		t.Errorf("Expected developer role on second task, got %v", tasks[1].AssignedAgentRole)
	}

	// The planning transcript lands on the first task, tagged planning.
	turns, err := store.ListConversationTurns(tasks[0].ID)
	if err != nil || len(turns) == 0 {
		t.Fatalf("Expected planning transcript, got %d turns (%v)", len(turns), err)
	}
	if turns[0].Phase != persistence.PhasePlanning {
		t.Errorf("Expected planning phase, got %q", turns[0].Phase)
	}

	// Regeneration supersedes: a second run bumps the version.
	if _, err := m.GeneratePlan(ctx, "todo"); err != nil {
		t.Fatalf("Second GeneratePlan failed: %v", err)
	}
	waitFor(t, 5*time.Second, "plan v2", func() bool {
		fresh, err := store.GetActivePlan(p.ID)
		return err == nil && fresh.Version == 2
	})
}

func TestManagerApproveAndStart(t *testing.T) {
	m, store, rec := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", "a todo app"); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if _, err := m.GeneratePlan(ctx, "todo"); err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	waitFor(t, 5*time.Second, "plan_generated event", func() bool {
		_, ok := rec.find(EventPlanGenerated)
		return ok
	})

	reply, err := m.ApproveAndStart(ctx, "todo")
	if err != nil {
		t.Fatalf("ApproveAndStart failed: %v", err)
	}
	if reply != "Plan approved and execution started for project 'todo'." {
		t.Errorf("Unexpected reply: %q", reply)
	}

	p, _ := store.GetProjectByName("todo")
	waitFor(t, 10*time.Second, "project completion", func() bool {
		fresh, err := store.GetProjectByID(p.ID)
		return err == nil && fresh.Status == persistence.StatusCompleted
	})

	plan, _ := store.GetActivePlan(p.ID)
	if plan.Status != persistence.PlanApproved || plan.ApprovedAt == nil {
		t.Errorf("Expected approved plan, got status=%s approved_at=%v", plan.Status, plan.ApprovedAt)
	}
	if _, ok := rec.find(EventCompleted); !ok {
		t.Error("Expected completion event")
	}
}

func TestManagerAutoApprove(t *testing.T) {
	t.Run("EnoughIdeas", func(t *testing.T) {
		m, store, rec := newTestManager(t, managerScript, func(cfg *config.Gateway) {
			cfg.AutoApproveAndStart = true
			cfg.MinIdeasForAutoPlan = 2
		})
		ctx := context.Background()

		if _, err := m.CreateProject(ctx, "todo", "a todo app"); err != nil {
			t.Fatalf("CreateProject failed: %v", err)
		}
		if _, err := m.AddIdea(ctx, "todo", "with tags"); err != nil {
			t.Fatalf("AddIdea failed: %v", err)
		}
		if _, err := m.GeneratePlan(ctx, "todo"); err != nil {
			t.Fatalf("GeneratePlan failed: %v", err)
		}

		p, _ := store.GetProjectByName("todo")
		waitFor(t, 10*time.Second, "auto-approved completion", func() bool {
			fresh, err := store.GetProjectByID(p.ID)
			return err == nil && fresh.Status == persistence.StatusCompleted
		})
		if _, ok := rec.find(EventStarted); !ok {
			t.Error("Expected worker start without manual approval")
		}
	})

	t.Run("TooFewIdeas", func(t *testing.T) {
		m, store, rec := newTestManager(t, managerScript, func(cfg *config.Gateway) {
			cfg.AutoApproveAndStart = true
			cfg.MinIdeasForAutoPlan = 3
		})
		ctx := context.Background()

		if _, err := m.CreateProject(ctx, "todo", "a todo app"); err != nil {
			t.Fatalf("CreateProject failed: %v", err)
		}
		if _, err := m.GeneratePlan(ctx, "todo"); err != nil {
			t.Fatalf("GeneratePlan failed: %v", err)
		}
		waitFor(t, 5*time.Second, "plan_generated event", func() bool {
			_, ok := rec.find(EventPlanGenerated)
			return ok
		})

		p, _ := store.GetProjectByName("todo")
		if p.Status != persistence.StatusPlanning {
			t.Errorf("Expected project still planning, got %q", p.Status)
		}
		plan, err := store.GetActivePlan(p.ID)
		if err != nil {
			t.Fatalf("GetActivePlan failed: %v", err)
		}
		if plan.Status != persistence.PlanDraft {
			t.Errorf("Expected draft plan awaiting approval, got %q", plan.Status)
		}
	})
}

func TestManagerSynthesisFailure(t *testing.T) {
	m, store, rec := newTestManager(t, func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		return textResponse("sorry, no JSON from me"), nil
	}, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", "a todo app"); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if _, err := m.GeneratePlan(ctx, "todo"); err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}

	waitFor(t, 5*time.Second, "synthesis failure event", func() bool {
		_, ok := rec.find(EventPlanSynthesisFailed)
		return ok
	})

	p, _ := store.GetProjectByName("todo")
	if p.Status != persistence.StatusPlanning {
		t.Errorf("Expected project to stay planning, got %q", p.Status)
	}
	if _, err := store.GetActivePlan(p.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Expected no plan, got %v", err)
	}
}

func TestManagerGeneratePlanRequiresIdeas(t *testing.T) {
	m, _, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "empty", ""); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if _, err := m.GeneratePlan(ctx, "empty"); err == nil {
		t.Error("Expected rejection without ideas")
	}
}

func TestManagerPauseResumeCancelRemove(t *testing.T) {
	m, store, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", ""); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	reply, err := m.PauseProject(ctx, "todo")
	if err != nil {
		t.Fatalf("PauseProject failed: %v", err)
	}
	if reply != "Project 'todo' paused." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	p, _ := store.GetProjectByName("todo")
	if p.Status != persistence.StatusPaused {
		t.Errorf("Expected paused, got %q", p.Status)
	}

	reply, err = m.ResumeProject(ctx, "todo")
	if err != nil {
		t.Fatalf("ResumeProject failed: %v", err)
	}
	if reply != "Project 'todo' resumed." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	p, _ = store.GetProjectByName("todo")
	if p.Status != persistence.StatusIdeation {
		t.Errorf("Expected ideation restored, got %q", p.Status)
	}

	reply, err = m.CancelProject(ctx, "todo")
	if err != nil {
		t.Fatalf("CancelProject failed: %v", err)
	}
	if reply != "Project 'todo' cancelled." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	p, _ = store.GetProjectByName("todo")
	if p.Status != persistence.StatusCancelled {
		t.Errorf("Expected cancelled, got %q", p.Status)
	}

	reply, err = m.RemoveProject(ctx, "todo")
	if err != nil {
		t.Fatalf("RemoveProject failed: %v", err)
	}
	if reply != "Project 'todo' removed." {
		t.Errorf("Unexpected reply: %q", reply)
	}
	if _, err := store.GetProjectByName("todo"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Expected project gone, got %v", err)
	}
}

func TestManagerStatusShowsAgentRecords(t *testing.T) {
	m, store, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", ""); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	p, _ := store.GetProjectByName("todo")
	if err := store.RecordAgentTaskDone(p.ID, "coding", true); err != nil {
		t.Fatalf("RecordAgentTaskDone failed: %v", err)
	}

	status, err := m.ProjectStatus(ctx, "todo")
	if err != nil {
		t.Fatalf("ProjectStatus failed: %v", err)
	}
	if !strings.Contains(status, "Agents:") {
		t.Errorf("Status missing agent section:\n%s", status)
	}
	if !strings.Contains(status, "coding [idle] 1 done / 0 failed") {
		t.Errorf("Status missing agent record line:\n%s", status)
	}
}

func TestManagerResolvesByID(t *testing.T) {
	m, store, _ := newTestManager(t, managerScript, nil)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, "todo", ""); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	p, _ := store.GetProjectByName("todo")

	status, err := m.ProjectStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("ProjectStatus by ID failed: %v", err)
	}
	if !strings.Contains(status, "Project: todo") {
		t.Errorf("Unexpected status: %q", status)
	}
}
