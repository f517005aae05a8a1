package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"openclaw/pkg/config"
	"openclaw/pkg/logx"
	"openclaw/pkg/persistence"
	"openclaw/pkg/provider"
	"openclaw/pkg/skills"
	"openclaw/pkg/tokens"
)

const (
	// MaxToolRounds caps the tool loop for a single task. When the cap is
	// hit the worker asks the model for a plain-text summary and moves on.
	MaxToolRounds = 30

	// MaxEmptyRetries is how many consecutive empty responses a provider
	// gets before the worker escalates to the next one in the chain.
	MaxEmptyRetries = 3

	// DefaultAgentRole is used for tasks with no assigned role.
	DefaultAgentRole = "developer"

	// TestingAgentRole runs the final validation pass.
	TestingAgentRole = "testing"

	summaryMaxTokens  = 2048
	condenseMaxTokens = 1024
	resultSummaryMax  = 500
)

const codingSystemPrompt = `You are an autonomous software developer working on the project %q.
Project workspace: %s
Current milestone: %s
Current task: %s

Work through the task using the available tools. Every file, git, build, and
test operation runs on the operator's workstation; keep all paths inside the
project workspace. Prefer small verifiable steps: write code, then build or
test to confirm it. When the task is done, reply with a short summary of what
you changed instead of calling more tools.`

const testingSystemPrompt = `You are the testing agent validating the project %q.
Project workspace: %s

Run the test suite, the linter, and the build using the available tools. Fix
only what is quick and safe; report everything else. Finish with a concise
validation report.`

const condenseSystemPrompt = `Condense this development conversation into a short handoff summary. Keep file paths, key decisions, completed work, and unresolved problems. Drop tool output that no longer matters.`

// errCancelled aborts a run because the operator cancelled the project.
var errCancelled = errors.New("project cancelled")

// WorkerEnv bundles the collaborators a worker needs. The manager builds one
// and shares it across workers.
type WorkerEnv struct {
	Store    *persistence.Store
	Router   ChatService
	Dispatch ActionDispatcher
	Events   *Notifier
	Approval ApprovalFunc
	Watcher  *Watcher
	Counter  *tokens.Counter
	Chain    []string
}

// Worker executes one project's approved plan task by task. Each task runs a
// bounded tool loop against the provider chain; results, conversations, and
// run records are persisted so an interrupted project resumes mid-plan.
type Worker struct {
	env       WorkerEnv
	gate      *PauseGate
	compactor *Compactor
	log       *logx.Logger
	projectID string
	cancelled atomic.Bool
}

// NewWorker builds a worker for one project.
func NewWorker(projectID string, gate *PauseGate, env WorkerEnv) *Worker {
	if gate == nil {
		gate = NewPauseGate()
	}
	if env.Watcher == nil {
		env.Watcher = NewWatcher(env.Store, env.Events)
	}
	return &Worker{
		env:       env,
		gate:      gate,
		compactor: NewCompactor(env.Counter),
		log:       logx.NewLogger("worker"),
		projectID: projectID,
	}
}

// Cancel flags the worker to stop at the next checkpoint. Safe from any
// goroutine; a paused worker must also be resumed to observe it.
func (w *Worker) Cancel() {
	w.cancelled.Store(true)
}

// Gate exposes the pause gate shared with the manager.
func (w *Worker) Gate() *PauseGate {
	return w.gate
}

// Run drives the project to a terminal status. A context cancellation leaves
// the project in its current status so a restart can resume it; operator
// cancellation and task-loop failures transition it to cancelled or failed.
func (w *Worker) Run(ctx context.Context) {
	err := w.run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errCancelled):
		if serr := w.env.Store.ForceProjectStatus(w.projectID, persistence.StatusCancelled); serr != nil {
			w.log.Error("project %s: cancel status update failed: %v", w.projectID, serr)
		}
		w.env.Events.Notify(ctx, w.projectID, EventCancelled, "Project cancelled by user.")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		w.log.Info("project %s: worker stopped, will resume on restart", w.projectID)
	default:
		if serr := w.env.Store.ForceProjectStatus(w.projectID, persistence.StatusFailed); serr != nil {
			w.log.Error("project %s: failure status update failed: %v", w.projectID, serr)
		}
		w.env.Events.Notify(ctx, w.projectID, EventError, fmt.Sprintf("Project failed: %v", err))
	}
}

func (w *Worker) run(ctx context.Context) error {
	project, err := w.env.Store.GetProjectByID(w.projectID)
	if err != nil {
		return err
	}
	plan, err := w.env.Store.GetActivePlan(w.projectID)
	if err != nil {
		return fmt.Errorf("no active plan: %w", err)
	}
	tasks, err := w.env.Store.ListTasksByPlan(plan.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("plan %s has no tasks", plan.ID)
	}

	// Resume tolerates a project already past approved.
	if err := w.env.Store.TransitionProject(w.projectID, persistence.StatusApproved, persistence.StatusCoding); err != nil {
		if !errors.Is(err, persistence.ErrConflict) {
			return err
		}
	}
	w.env.Events.Notify(ctx, w.projectID, EventStarted,
		fmt.Sprintf("Coding started for %s", project.DisplayName))

	if err := w.runPlan(ctx, project, plan, tasks); err != nil {
		return err
	}

	if err := w.finalTesting(ctx, project, plan, tasks); err != nil {
		return err
	}

	if err := w.env.Store.TransitionProject(w.projectID, persistence.StatusTesting, persistence.StatusCompleted); err != nil {
		return err
	}
	done := fmt.Sprintf("Project %s is complete!", project.DisplayName)
	if fresh, err := w.env.Store.GetProjectByID(w.projectID); err == nil && fresh.RepoURL != nil && *fresh.RepoURL != "" {
		done += fmt.Sprintf("\nGitHub: %s", *fresh.RepoURL)
	}
	w.env.Events.Notify(ctx, w.projectID, EventCompleted, done)
	return nil
}

// runPlan walks the plan in order, announcing milestone boundaries and
// skipping tasks a previous run already finished.
func (w *Worker) runPlan(ctx context.Context, project *persistence.Project, plan *persistence.Plan, tasks []*persistence.Task) error {
	milestones := milestoneOrder(tasks)
	totals := make(map[string]int, len(milestones))
	doneBy := make(map[string]int, len(milestones))
	for _, t := range tasks {
		totals[milestoneName(t)]++
	}

	totalDone := 0
	current := ""
	for i, task := range tasks {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}

		name := milestoneName(task)
		if name != current {
			if current != "" {
				w.reviewMilestone(ctx, current, doneBy[current], totals[current], totalDone, len(tasks))
			}
			current = name
			w.env.Events.Notify(ctx, w.projectID, EventMilestoneStarted,
				fmt.Sprintf("Starting milestone %d/%d: %s (%d tasks)",
					indexOf(milestones, name)+1, len(milestones), name, totals[name]))
		}

		if isTerminalTask(task) {
			doneBy[name]++
			totalDone++
			continue
		}

		if err := w.executeTask(ctx, project, task, i+1, len(tasks)); err != nil {
			return err
		}
		doneBy[name]++
		totalDone++
	}
	if current != "" {
		w.reviewMilestone(ctx, current, doneBy[current], totals[current], totalDone, len(tasks))
	}
	return nil
}

func (w *Worker) reviewMilestone(ctx context.Context, name string, done, total, overallDone, overallTotal int) {
	w.env.Events.Notify(ctx, w.projectID, EventMilestoneReview,
		fmt.Sprintf("Milestone review: %s\nMilestone progress: %d/%d tasks\nOverall progress: %d/%d tasks",
			name, done, total, overallDone, overallTotal))
}

// checkpoint is consulted between tasks and between tool rounds. It observes
// cancellation, then blocks on the pause gate, then re-checks cancellation so
// a cancel issued while paused wins over resume.
func (w *Worker) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.cancelled.Load() {
		return errCancelled
	}
	if w.gate.Paused() {
		w.env.Events.Notify(ctx, w.projectID, EventPaused,
			"Project paused. Send /resume_project to continue.")
		if err := w.gate.Wait(ctx); err != nil {
			return err
		}
		if w.cancelled.Load() {
			return errCancelled
		}
		w.env.Events.Notify(ctx, w.projectID, EventResumed, "Project resumed.")
	}
	return nil
}

// executeTask runs one plan task to completion. Model and tool failures mark
// the task failed and let the plan continue; store failures and cancellation
// abort the worker.
func (w *Worker) executeTask(ctx context.Context, project *persistence.Project, task *persistence.Task, num, total int) error {
	role := taskRole(task)
	taskType := ClassifyTask(task.Title, task.Milestone)

	if err := w.env.Store.UpdateTaskStatus(&persistence.UpdateTaskStatusRequest{
		TaskID: task.ID,
		Status: persistence.TaskInProgress,
	}); err != nil {
		return err
	}
	w.env.Events.Notify(ctx, w.projectID, EventTaskStarted,
		fmt.Sprintf("[%d/%d] %s: %s (route: %s)", num, total, milestoneName(task), task.Title, taskType))

	msgs, err := LoadConversation(w.env.Store, task.ID)
	if err != nil {
		w.log.Warn("task %s: conversation load failed, starting fresh: %v", task.ID, err)
		msgs = nil
	}
	msgs = w.compactor.Fit(ctx, msgs, w.targetContextLimit(0), w.condense)
	msgs = append(msgs, provider.Message{
		Role:    provider.RoleUser,
		Content: fmt.Sprintf("Complete this task: %s\n\n%s", task.Title, task.Description),
	})

	system := fmt.Sprintf(codingSystemPrompt, project.DisplayName, project.Workdir, milestoneName(task), task.Title)
	finalText, err := w.driveTask(ctx, task, role, persistence.PhaseCoding, system, msgs, taskType)
	if err != nil {
		if errors.Is(err, errCancelled) || ctx.Err() != nil {
			return err
		}
		failure := clip(err.Error(), resultSummaryMax)
		if serr := w.env.Store.UpdateTaskStatus(&persistence.UpdateTaskStatusRequest{
			TaskID:        task.ID,
			Status:        persistence.TaskFailed,
			ResultSummary: &failure,
		}); serr != nil {
			return serr
		}
		if serr := w.env.Store.RecordAgentTaskDone(w.projectID, role, false); serr != nil {
			w.log.Warn("task %s: agent record update failed: %v", task.ID, serr)
		}
		w.env.Events.Notify(ctx, w.projectID, EventTaskFailed,
			fmt.Sprintf("Task failed: %s (%v)", task.Title, err))
		return nil
	}

	summary := clip(finalText, resultSummaryMax)
	if err := w.env.Store.UpdateTaskStatus(&persistence.UpdateTaskStatusRequest{
		TaskID:        task.ID,
		Status:        persistence.TaskCompleted,
		ResultSummary: &summary,
	}); err != nil {
		return err
	}
	if err := w.env.Store.RecordAgentTaskDone(w.projectID, role, true); err != nil {
		w.log.Warn("task %s: agent record update failed: %v", task.ID, err)
	}
	w.env.Events.Notify(ctx, w.projectID, EventTaskCompleted,
		fmt.Sprintf("Completed: %s", task.Title))
	return nil
}

// finalTesting appends a synthetic validation task to the plan and runs it
// under the testing role. The project moves to testing while it runs.
func (w *Worker) finalTesting(ctx context.Context, project *persistence.Project, plan *persistence.Plan, tasks []*persistence.Task) error {
	if err := w.checkpoint(ctx); err != nil {
		return err
	}
	if err := w.env.Store.TransitionProject(w.projectID, persistence.StatusCoding, persistence.StatusTesting); err != nil {
		if !errors.Is(err, persistence.ErrConflict) {
			return err
		}
	}
	w.env.Events.Notify(ctx, w.projectID, EventTesting, "Running final tests and validation...")

	task := validationTask(plan, tasks)
	if existing := findTask(tasks, task.Title, task.Milestone); existing != nil {
		task = existing
		if isTerminalTask(task) {
			return nil
		}
	} else if err := w.env.Store.InsertPlanTasks([]*persistence.Task{task}); err != nil {
		return err
	}

	if err := w.env.Store.UpdateTaskStatus(&persistence.UpdateTaskStatusRequest{
		TaskID: task.ID,
		Status: persistence.TaskInProgress,
	}); err != nil {
		return err
	}

	system := fmt.Sprintf(testingSystemPrompt, project.DisplayName, project.Workdir)
	msgs := []provider.Message{{Role: provider.RoleUser, Content: "Run tests and validate the project."}}

	finalText, err := w.driveTask(ctx, task, TestingAgentRole, persistence.PhaseTesting, system, msgs, TaskTypeUnitTest)
	status := persistence.TaskCompleted
	summary := clip(finalText, resultSummaryMax)
	if err != nil {
		if errors.Is(err, errCancelled) || ctx.Err() != nil {
			return err
		}
		status = persistence.TaskFailed
		summary = clip(err.Error(), resultSummaryMax)
		w.env.Events.Notify(ctx, w.projectID, EventTaskFailed,
			fmt.Sprintf("Task failed: %s (%v)", task.Title, err))
	}
	if serr := w.env.Store.UpdateTaskStatus(&persistence.UpdateTaskStatusRequest{
		TaskID:        task.ID,
		Status:        status,
		ResultSummary: &summary,
	}); serr != nil {
		return serr
	}
	if serr := w.env.Store.RecordAgentTaskDone(w.projectID, TestingAgentRole, err == nil); serr != nil {
		w.log.Warn("task %s: agent record update failed: %v", task.ID, serr)
	}

	counts, cerr := w.env.Store.CountTasksByPlan(plan.ID)
	if cerr == nil {
		w.reviewMilestone(ctx, task.Milestone, 1, 1, counts.Done(), counts.Total)
	}
	return nil
}

// driveTask owns the agent-run record and conversation persistence around one
// tool loop. The returned error distinguishes task failure from abort via
// errCancelled and the context.
func (w *Worker) driveTask(ctx context.Context, task *persistence.Task, role, phase, system string, msgs []provider.Message, taskType string) (string, error) {
	if err := w.env.Store.SetAgentStatus(w.projectID, role, persistence.AgentRunning); err != nil {
		w.log.Warn("task %s: agent status update failed: %v", task.ID, err)
	}

	run := &persistence.AgentRun{
		ID:        persistence.GenerateRunID(),
		ProjectID: w.projectID,
		TaskID:    task.ID,
		AgentRole: role,
		Title:     task.Title,
	}
	watched := false
	if err := w.env.Store.StartAgentRun(run); err != nil {
		w.log.Warn("task %s: run record failed, continuing unwatched: %v", task.ID, err)
	} else {
		watched = true
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if watched {
		go w.env.Watcher.Watch(watchCtx, w.projectID, run.ID, task.Title)
	}

	finalText, transcript, stats, loopErr := w.conversationLoop(ctx, msgs, system, skills.ActionTools(), taskType)

	if err := w.compactor.SaveConversation(w.env.Store, task.ID, phase, transcript); err != nil {
		w.log.Warn("task %s: conversation save failed: %v", task.ID, err)
	}
	if err := w.env.Store.SetAgentStatus(w.projectID, role, persistence.AgentIdle); err != nil {
		w.log.Warn("task %s: agent status update failed: %v", task.ID, err)
	}

	if watched {
		finish := &persistence.FinishAgentRunRequest{
			RunID:       run.ID,
			Status:      persistence.RunSucceeded,
			Rounds:      stats.rounds,
			Escalations: stats.escalations,
		}
		if stats.provider != "" {
			finish.Provider = &stats.provider
			finish.Model = &stats.model
		}
		if loopErr != nil {
			finish.Status = persistence.RunFailed
			msg := loopErr.Error()
			finish.Error = &msg
		} else {
			summary := clip(finalText, resultSummaryMax)
			finish.Summary = &summary
		}
		if err := w.env.Store.FinishAgentRun(finish); err != nil {
			w.log.Warn("task %s: run finish failed: %v", task.ID, err)
		}
	}
	return finalText, loopErr
}

type loopStats struct {
	provider    string
	model       string
	rounds      int
	escalations int
}

// conversationLoop is the bounded tool loop for one task. Providers escalate
// along the chain on consecutive empty responses and on repeated identical
// tool calls; hitting the round cap triggers a final summary request without
// tools.
func (w *Worker) conversationLoop(ctx context.Context, msgs []provider.Message, system string, tools []skills.ToolDefinition, taskType string) (string, []provider.Message, *loopStats, error) {
	current := append([]provider.Message(nil), msgs...)
	stats := &loopStats{}
	emptyCount := 0
	escalationIdx := 0
	var recentSigs []string

	for stats.rounds < MaxToolRounds {
		if err := w.checkpoint(ctx); err != nil {
			return "", current, stats, err
		}

		preferred := ""
		if escalationIdx < len(w.env.Chain) {
			preferred = w.env.Chain[escalationIdx]
		}
		resp, err := w.env.Router.Chat(ctx, provider.ChatRequest{
			Request: provider.Request{
				Messages:    withSystem(system, current),
				Tools:       tools,
				ToolChoice:  provider.ToolChoiceAny,
				MaxTokens:   provider.DefaultMaxTokens,
				Temperature: provider.TemperatureDefault,
			},
			TaskType:          taskType,
			PreferredProvider: preferred,
		})
		if err != nil {
			return "", current, stats, err
		}
		stats.provider, stats.model = resp.Provider, resp.Model

		if strings.TrimSpace(resp.Content) == "" && !resp.HasToolCalls() {
			emptyCount++
			w.log.Warn("empty response from %s (%d/%d)", resp.Provider, emptyCount, MaxEmptyRetries)
			if emptyCount >= MaxEmptyRetries {
				emptyCount = 0
				escalationIdx++
				stats.escalations++
				if escalationIdx >= len(w.env.Chain) {
					break
				}
				w.log.Info("escalating to %s after empty responses", w.env.Chain[escalationIdx])
			}
			continue
		}
		emptyCount = 0

		current = append(current, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if !resp.HasToolCalls() {
			return resp.Content, current, stats, nil
		}

		for _, tc := range resp.ToolCalls {
			sig := toolSignature(tc)
			if sigSeenRecently(recentSigs, sig) {
				w.log.Warn("repeated tool call %s, escalating", tc.Name)
				escalationIdx++
				stats.escalations++
				if escalationIdx >= len(w.env.Chain) {
					break
				}
			}
			recentSigs = append(recentSigs, sig)
		}

		results := make([]provider.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			results = append(results, provider.ToolResult{
				ToolCallID: tc.ID,
				Content:    w.executeTool(ctx, tc),
			})
		}
		current = append(current, provider.Message{Role: provider.RoleUser, ToolResults: results})
		stats.rounds++
	}

	current = append(current, provider.Message{
		Role:    provider.RoleUser,
		Content: "You have reached the tool use limit. Summarize what you accomplished.",
	})
	resp, err := w.env.Router.Chat(ctx, provider.ChatRequest{
		Request: provider.Request{
			Messages:    withSystem(system, current),
			MaxTokens:   summaryMaxTokens,
			Temperature: provider.TemperatureDefault,
		},
		TaskType: TaskTypeGeneral,
	})
	if err != nil {
		return "", current, stats, err
	}
	current = append(current, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
	return resp.Content, current, stats, nil
}

// executeTool forwards one tool call to the workstation agent under the
// approval policy: always-confirm actions need an operator yes first, the
// plan-auto-approved set is forwarded pre-confirmed, everything else goes
// unconfirmed and is decided agent-side.
func (w *Worker) executeTool(ctx context.Context, tc provider.ToolCall) string {
	if skills.ActionAlwaysConfirm(tc.Name) {
		approved := false
		if w.env.Approval != nil {
			ok, err := w.env.Approval(ctx, w.projectID, tc.Name, tc.Parameters)
			if err != nil {
				w.log.Warn("approval for %s failed: %v", tc.Name, err)
			}
			approved = ok && err == nil
		}
		if !approved {
			return fmt.Sprintf("Action '%s' was denied by the user.", tc.Name)
		}
		resp, err := w.env.Dispatch.Dispatch(ctx, tc.Name, tc.Parameters, true)
		return formatActionResult(resp, err)
	}

	resp, err := w.env.Dispatch.Dispatch(ctx, tc.Name, tc.Parameters, skills.ActionPlanAutoApproved(tc.Name))
	return formatActionResult(resp, err)
}

// condense is the compactor's summarizer. It prefers the cheap provider and
// degrades to whatever the router picks.
func (w *Worker) condense(ctx context.Context, older []provider.Message) (string, error) {
	resp, err := w.env.Router.Chat(ctx, provider.ChatRequest{
		Request: provider.Request{
			Messages: []provider.Message{
				{Role: provider.RoleSystem, Content: condenseSystemPrompt},
				{Role: provider.RoleUser, Content: renderTranscript(older)},
			},
			MaxTokens:   condenseMaxTokens,
			Temperature: provider.TemperatureDefault,
		},
		TaskType:          TaskTypeGeneral,
		PreferredProvider: config.ProviderGroq,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// targetContextLimit picks the context budget for conversation compaction:
// the window of the provider the loop will try first, else the smallest
// configured window, else a conservative floor.
func (w *Worker) targetContextLimit(escalationIdx int) int {
	if escalationIdx < len(w.env.Chain) {
		name := w.env.Chain[escalationIdx]
		if w.env.Router.Has(name) {
			if window := w.env.Router.ContextWindow(name); window > 0 {
				return window
			}
		}
	}
	if window := w.env.Router.MinContextWindow(); window > 0 {
		return window
	}
	return 32000
}

func validationTask(plan *persistence.Plan, tasks []*persistence.Task) *persistence.Task {
	maxMilestone, maxOrder := 0, 0
	for _, t := range tasks {
		if t.MilestoneIndex > maxMilestone {
			maxMilestone = t.MilestoneIndex
		}
		if t.OrderIndex > maxOrder {
			maxOrder = t.OrderIndex
		}
	}
	role := TestingAgentRole
	return &persistence.Task{
		ID:                persistence.GenerateTaskID(),
		PlanID:            plan.ID,
		ProjectID:         plan.ProjectID,
		Milestone:         "Quality Assurance",
		Title:             "Final Testing & Validation",
		Description:       "Run all tests, lint the project, and validate everything works.",
		AssignedAgentRole: &role,
		MilestoneIndex:    maxMilestone + 1,
		OrderIndex:        maxOrder + 1,
	}
}

func findTask(tasks []*persistence.Task, title, milestone string) *persistence.Task {
	for _, t := range tasks {
		if t.Title == title && t.Milestone == milestone {
			return t
		}
	}
	return nil
}

func taskRole(task *persistence.Task) string {
	if task.AssignedAgentRole != nil && *task.AssignedAgentRole != "" {
		return *task.AssignedAgentRole
	}
	return DefaultAgentRole
}

func milestoneName(task *persistence.Task) string {
	if strings.TrimSpace(task.Milestone) == "" {
		return "General"
	}
	return task.Milestone
}

func milestoneOrder(tasks []*persistence.Task) []string {
	var order []string
	seen := make(map[string]bool)
	for _, t := range tasks {
		name := milestoneName(t)
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	return order
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return 0
}

func isTerminalTask(task *persistence.Task) bool {
	switch task.Status {
	case persistence.TaskCompleted, persistence.TaskFailed, persistence.TaskSkipped:
		return true
	}
	return false
}

// toolSignature is the loop-detection key: tool name plus its arguments in
// canonical JSON. Map keys marshal sorted, so equal calls compare equal.
func toolSignature(tc provider.ToolCall) string {
	data, err := json.Marshal(tc.Parameters)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", tc.Parameters))
	}
	return tc.Name + ":" + string(data)
}

func sigSeenRecently(sigs []string, sig string) bool {
	start := len(sigs) - 3
	if start < 0 {
		start = 0
	}
	for _, s := range sigs[start:] {
		if s == sig {
			return true
		}
	}
	return false
}

// renderTranscript flattens a conversation for the condenser prompt.
func renderTranscript(msgs []provider.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Content != "" {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "%s called %s(%s)\n", m.Role, tc.Name, toolArgs(tc))
		}
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&b, "tool: %s\n", clip(tr.Content, 400))
		}
	}
	return b.String()
}

func toolArgs(tc provider.ToolCall) string {
	data, err := json.Marshal(tc.Parameters)
	if err != nil {
		return ""
	}
	return string(data)
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
