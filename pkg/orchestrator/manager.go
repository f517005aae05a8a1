package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"openclaw/pkg/config"
	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/persistence"
	"openclaw/pkg/tokens"
)

// Manager implements the project skill: it owns project lifecycle state in
// the store, runs plan synthesis in the background, and supervises the
// worker pool. Replies are short operator-facing strings; validation
// problems come back as errors.
type Manager struct {
	store     *persistence.Store
	planner   *Planner
	events    *Notifier
	compactor *Compactor
	log       *logx.Logger
	cfg       config.Gateway

	router   ChatService
	dispatch ActionDispatcher
	approval ApprovalFunc
	counter  *tokens.Counter

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewManager wires a manager. approval may be nil; always-confirm actions
// are then denied.
func NewManager(cfg config.Gateway, store *persistence.Store, router ChatService, dispatch ActionDispatcher, events *Notifier, approval ApprovalFunc, counter *tokens.Counter) *Manager {
	poolSize := cfg.WorkerPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		planner:   NewPlanner(router, dispatch),
		events:    events,
		compactor: NewCompactor(counter),
		log:       logx.NewLogger("manager"),
		cfg:       cfg,
		router:    router,
		dispatch:  dispatch,
		approval:  approval,
		counter:   counter,
		baseCtx:   ctx,
		stop:      cancel,
		slots:     make(chan struct{}, poolSize),
		workers:   make(map[string]*Worker),
	}
}

// Shutdown stops background synthesis and workers and waits for them.
// In-flight projects keep their status and resume on the next start.
func (m *Manager) Shutdown() {
	m.stop()
	m.wg.Wait()
}

// ResumeInterrupted restarts workers for projects a previous gateway process
// left mid-execution. Called once at startup.
func (m *Manager) ResumeInterrupted() error {
	projects, err := m.store.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		switch p.Status {
		case persistence.StatusApproved, persistence.StatusCoding, persistence.StatusTesting:
			m.log.Info("resuming interrupted project %s (%s)", p.Name, p.Status)
			m.startWorker(p.ID)
		}
	}
	return nil
}

// CreateProject registers a new project in ideation. A non-empty description
// is captured as its first idea.
func (m *Manager) CreateProject(ctx context.Context, name, description string) (string, error) {
	display := strings.TrimSpace(name)
	if display == "" {
		return "", oops.New(oops.KindValidation, oops.CodeParamMissing, "project name is required")
	}
	slug := slugify(display)
	if slug == "" {
		return "", oops.Newf(oops.KindValidation, oops.CodeParamInvalid, "project name %q has no usable characters", name)
	}
	if _, err := m.store.GetProjectByName(slug); err == nil {
		return "", oops.Newf(oops.KindValidation, oops.CodeParamInvalid, "project %q already exists", slug)
	}

	project := &persistence.Project{
		ID:          persistence.GenerateProjectID(),
		Name:        slug,
		DisplayName: display,
		Workdir:     filepath.Join(m.cfg.WorkspaceRoot, slug),
	}
	if err := m.store.CreateProject(project); err != nil {
		return "", err
	}
	if desc := strings.TrimSpace(description); desc != "" {
		idea := &persistence.Idea{
			ID:        persistence.GenerateIdeaID(),
			ProjectID: project.ID,
			Content:   desc,
		}
		if err := m.store.AddIdea(idea); err != nil {
			m.log.Warn("project %s: description idea not saved: %v", slug, err)
		}
	}
	return fmt.Sprintf("Created project '%s' at %s.", display, project.Workdir), nil
}

// AddIdea captures one free-text idea for a project.
func (m *Manager) AddIdea(ctx context.Context, project, idea string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(idea)
	if text == "" {
		return "", oops.New(oops.KindValidation, oops.CodeParamMissing, "idea text is required")
	}
	if err := m.store.AddIdea(&persistence.Idea{
		ID:        persistence.GenerateIdeaID(),
		ProjectID: p.ID,
		Content:   text,
	}); err != nil {
		return "", err
	}
	count, err := m.store.CountIdeas(p.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Added idea #%d to '%s'.", count, p.Name), nil
}

// ListProjects renders every project with status and idea count.
func (m *Manager) ListProjects(ctx context.Context) (string, error) {
	projects, err := m.store.ListProjects()
	if err != nil {
		return "", err
	}
	if len(projects) == 0 {
		return "No projects found.", nil
	}
	var b strings.Builder
	b.WriteString("Projects:")
	for _, p := range projects {
		count, err := m.store.CountIdeas(p.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n  • %s [%s] — %d ideas (id: %s)", p.Name, p.Status, count, p.ID)
	}
	return b.String(), nil
}

// ProjectStatus renders one project's status block with plan progress and
// the most recent ideas.
func (m *Manager) ProjectStatus(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	ideas, err := m.store.ListIdeas(p.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nStatus: %s\nPath: %s\nIdeas: %d", p.Name, p.Status, p.Workdir, len(ideas))

	if plan, err := m.store.GetActivePlan(p.ID); err == nil {
		fmt.Fprintf(&b, "\nPlan: v%d (%s)", plan.Version, plan.Status)
		if counts, err := m.store.CountTasksByPlan(plan.ID); err == nil && counts.Total > 0 {
			fmt.Fprintf(&b, "\nTasks: %d/%d done", counts.Done(), counts.Total)
		}
	}

	if agents, err := m.store.ListAgents(p.ID); err == nil && len(agents) > 0 {
		b.WriteString("\nAgents:")
		for _, a := range agents {
			fmt.Fprintf(&b, "\n  %s [%s] %d done / %d failed", a.Role, a.Status, a.TasksCompleted, a.TasksFailed)
		}
	}

	if len(ideas) > 0 {
		b.WriteString("\nRecent ideas:")
		start := len(ideas) - 3
		if start < 0 {
			start = 0
		}
		for _, idea := range ideas[start:] {
			fmt.Fprintf(&b, "\n  - %s", clip(idea.Content, 120))
		}
	}
	return b.String(), nil
}

// GeneratePlan kicks off background plan synthesis from the captured ideas.
// The project moves to planning immediately; success or failure arrives as a
// project event.
func (m *Manager) GeneratePlan(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	switch p.Status {
	case persistence.StatusIdeation:
		if err := m.store.TransitionProject(p.ID, persistence.StatusIdeation, persistence.StatusPlanning); err != nil {
			return "", err
		}
	case persistence.StatusPlanning:
		// Regeneration while still planning is allowed.
	default:
		return "", oops.Newf(oops.KindValidation, oops.CodeParamInvalid,
			"project '%s' is %s; plans are generated from ideation", p.Name, p.Status)
	}

	ideas, err := m.store.ListIdeas(p.ID)
	if err != nil {
		return "", err
	}
	if len(ideas) == 0 {
		return "", oops.Newf(oops.KindValidation, oops.CodeParamInvalid,
			"project '%s' has no ideas to plan from", p.Name)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.synthesizePlan(m.baseCtx, p, ideas)
	}()

	return fmt.Sprintf("Plan generation started for project '%s'. I will notify you when it's ready for review.", p.Name), nil
}

// synthesizePlan runs the planner and persists the result. On failure the
// project stays in planning so the operator can retry.
func (m *Manager) synthesizePlan(ctx context.Context, p *persistence.Project, ideas []*persistence.Idea) {
	doc, transcript, err := m.planner.Synthesize(ctx, p, ideas)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Error("project %s: plan synthesis failed: %v", p.Name, err)
		m.events.Notify(ctx, p.ID, EventPlanSynthesisFailed,
			fmt.Sprintf("Plan synthesis failed for %s: %v", p.DisplayName, err))
		return
	}

	content, err := json.Marshal(doc)
	if err != nil {
		m.log.Error("project %s: plan encode failed: %v", p.Name, err)
		return
	}
	plan := &persistence.Plan{
		ID:        persistence.GeneratePlanID(),
		ProjectID: p.ID,
		Summary:   doc.Summary,
		Content:   string(content),
	}
	if err := m.store.CreatePlan(plan); err != nil {
		m.log.Error("project %s: plan save failed: %v", p.Name, err)
		return
	}
	tasks := planTasks(plan, doc)
	if err := m.store.InsertPlanTasks(tasks); err != nil {
		m.log.Error("project %s: task save failed: %v", p.Name, err)
		return
	}
	if len(tasks) > 0 {
		if err := m.compactor.SaveConversation(m.store, tasks[0].ID, persistence.PhasePlanning, transcript); err != nil {
			m.log.Warn("project %s: planning transcript not saved: %v", p.Name, err)
		}
	}

	m.events.Notify(ctx, p.ID, EventPlanGenerated,
		fmt.Sprintf("Plan v%d ready for %s: %d milestones, %d tasks. Review and approve to start.",
			plan.Version, p.DisplayName, len(doc.Milestones), doc.TaskCount()))

	if m.cfg.AutoApproveAndStart && len(ideas) >= m.cfg.MinIdeasForAutoPlan {
		if err := m.approveAndLaunch(p.ID, plan.ID); err != nil {
			m.log.Error("project %s: auto-approve failed: %v", p.Name, err)
			return
		}
		m.log.Info("project %s: plan v%d auto-approved, execution started", p.Name, plan.Version)
	}
}

// ApproveAndStart approves the draft plan and launches the worker.
func (m *Manager) ApproveAndStart(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	plan, err := m.store.GetActivePlan(p.ID)
	if err != nil {
		return "", err
	}
	if err := m.approveAndLaunch(p.ID, plan.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Plan approved and execution started for project '%s'.", p.Name), nil
}

// approveAndLaunch is idempotent: re-approving an approved plan or
// re-transitioning an already approved project only restarts the worker.
func (m *Manager) approveAndLaunch(projectID, planID string) error {
	if err := m.store.ApprovePlan(planID); err != nil && !errors.Is(err, persistence.ErrConflict) {
		return err
	}
	if err := m.store.TransitionProject(projectID, persistence.StatusPlanning, persistence.StatusApproved); err != nil {
		if !errors.Is(err, persistence.ErrConflict) {
			return err
		}
	}
	m.startWorker(projectID)
	return nil
}

// startWorker launches the project's worker goroutine unless one is already
// live. Execution waits for a pool slot.
func (m *Manager) startWorker(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.workers[projectID]; running {
		return
	}
	worker := NewWorker(projectID, NewPauseGate(), WorkerEnv{
		Store:    m.store,
		Router:   m.router,
		Dispatch: m.dispatch,
		Events:   m.events,
		Approval: m.approval,
		Counter:  m.counter,
		Chain:    m.cfg.EscalationChain,
	})
	m.workers[projectID] = worker

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.workers, projectID)
			m.mu.Unlock()
		}()
		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-m.baseCtx.Done():
			return
		}
		worker.Run(m.baseCtx)
	}()
}

// PauseProject pauses at the next safe boundary. The status flips right
// away; a running worker parks at its next checkpoint.
func (m *Manager) PauseProject(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	if err := m.store.PauseProject(p.ID); err != nil {
		return "", err
	}
	if w := m.workerFor(p.ID); w != nil {
		w.Gate().Pause()
	}
	return fmt.Sprintf("Project '%s' paused.", p.Name), nil
}

// ResumeProject restores the pre-pause status and unparks or restarts the
// worker.
func (m *Manager) ResumeProject(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	restored, err := m.store.ResumeProject(p.ID)
	if err != nil {
		return "", err
	}
	if w := m.workerFor(p.ID); w != nil {
		w.Gate().Resume()
	} else {
		switch restored {
		case persistence.StatusApproved, persistence.StatusCoding, persistence.StatusTesting:
			m.startWorker(p.ID)
		}
	}
	return fmt.Sprintf("Project '%s' resumed.", p.Name), nil
}

// CancelProject stops a project permanently. A live worker observes the flag
// at its next checkpoint and records the terminal status itself.
func (m *Manager) CancelProject(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	if w := m.workerFor(p.ID); w != nil {
		w.Cancel()
		w.Gate().Resume()
	} else {
		if err := m.store.ForceProjectStatus(p.ID, persistence.StatusCancelled); err != nil {
			return "", err
		}
		m.events.Notify(ctx, p.ID, EventCancelled, "Project cancelled by user.")
	}
	return fmt.Sprintf("Project '%s' cancelled.", p.Name), nil
}

// RemoveProject deletes a project and its plans, tasks, and history.
func (m *Manager) RemoveProject(ctx context.Context, project string) (string, error) {
	p, err := m.resolveProject(project)
	if err != nil {
		return "", err
	}
	if w := m.workerFor(p.ID); w != nil {
		return "", oops.Newf(oops.KindValidation, oops.CodeParamInvalid,
			"project '%s' is executing; cancel it before removing", p.Name)
	}
	if err := m.store.RemoveProject(p.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Project '%s' removed.", p.Name), nil
}

func (m *Manager) workerFor(projectID string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[projectID]
}

// resolveProject accepts a project name, display name, or ID.
func (m *Manager) resolveProject(project string) (*persistence.Project, error) {
	needle := strings.TrimSpace(project)
	if needle == "" {
		return nil, oops.New(oops.KindValidation, oops.CodeParamMissing, "project name is required")
	}
	if p, err := m.store.GetProjectByName(slugify(needle)); err == nil {
		return p, nil
	}
	p, err := m.store.GetProjectByID(needle)
	if err != nil {
		return nil, fmt.Errorf("project %q: %w", project, persistence.ErrNotFound)
	}
	return p, nil
}

// planTasks flattens a plan document into ordered task rows. Task milestones
// default to their enclosing milestone name.
func planTasks(plan *persistence.Plan, doc *PlanDoc) []*persistence.Task {
	var tasks []*persistence.Task
	order := 0
	for mi, milestone := range doc.Milestones {
		for _, pt := range milestone.Tasks {
			name := strings.TrimSpace(pt.Milestone)
			if name == "" {
				name = milestone.Name
			}
			task := &persistence.Task{
				ID:             persistence.GenerateTaskID(),
				PlanID:         plan.ID,
				ProjectID:      plan.ProjectID,
				Milestone:      name,
				Title:          pt.Title,
				Description:    pt.Description,
				MilestoneIndex: mi,
				OrderIndex:     order,
			}
			if role := strings.TrimSpace(pt.AssignedAgentRole); role != "" {
				task.AssignedAgentRole = &role
			}
			tasks = append(tasks, task)
			order++
		}
	}
	return tasks
}

// slugify lowercases a name and keeps letters, digits, and single dashes.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
