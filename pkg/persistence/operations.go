package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sqliteNow = "strftime('%Y-%m-%dT%H:%M:%fZ','now')"

// ---------- Projects ----------

// CreateProject inserts a new project. Project names are unique.
func (s *Store) CreateProject(p *Project) error {
	query := `INSERT INTO projects (id, name, display_name, workdir, status) VALUES (?, ?, ?, ?, ?)`

	status := p.Status
	if status == "" {
		status = StatusIdeation
	}
	displayName := p.DisplayName
	if displayName == "" {
		displayName = p.Name
	}

	_, err := s.db.Exec(query, p.ID, p.Name, displayName, p.Workdir, status)
	if err != nil {
		return fmt.Errorf("failed to create project %q: %w", p.Name, err)
	}
	return nil
}

// GetProjectByID returns a project by its ID.
func (s *Store) GetProjectByID(projectID string) (*Project, error) {
	return s.getProject("id = ?", projectID)
}

// GetProjectByName returns a project by its unique name.
func (s *Store) GetProjectByName(name string) (*Project, error) {
	return s.getProject("name = ?", name)
}

const projectCols = `id, name, display_name, workdir, status, paused_from,
	repo_url, bootstrap_ok, bootstrap_summary, approved_at, completed_at,
	created_at, updated_at`

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	err := row.Scan(
		&p.ID, &p.Name, &p.DisplayName, &p.Workdir, &p.Status, &p.PausedFrom,
		&p.RepoURL, &p.BootstrapOK, &p.BootstrapSummary,
		&p.ApprovedAt, &p.CompletedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) getProject(where string, arg any) (*Project, error) {
	p, err := scanProject(s.db.QueryRow(
		`SELECT `+projectCols+` FROM projects WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %v: %w", arg, err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects() ([]*Project, error) {
	query := `SELECT ` + projectCols + ` FROM projects ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return projects, nil
}

// SetProjectRepoURL records the remote repository created for a project.
func (s *Store) SetProjectRepoURL(projectID, repoURL string) error {
	query := `UPDATE projects SET repo_url = ?, updated_at = ` + sqliteNow + ` WHERE id = ?`

	result, err := s.db.Exec(query, repoURL, projectID)
	if err != nil {
		return fmt.Errorf("failed to set repo url for project %s: %w", projectID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// RecordBootstrapResult stores the outcome of the initial project scaffold.
func (s *Store) RecordBootstrapResult(projectID string, ok bool, summary string) error {
	query := `UPDATE projects SET bootstrap_ok = ?, bootstrap_summary = ?,
		updated_at = ` + sqliteNow + ` WHERE id = ?`

	result, err := s.db.Exec(query, ok, summary, projectID)
	if err != nil {
		return fmt.Errorf("failed to record bootstrap result for project %s: %w", projectID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// TransitionProject moves a project from one status to another as a single
// guarded update. Returns ErrConflict if the project is not in the expected
// state, ErrNotFound if it does not exist. Entering approved stamps
// approved_at on the first approval; entering completed stamps completed_at.
func (s *Store) TransitionProject(projectID, from, to string) error {
	query := `UPDATE projects SET status = ?, updated_at = ` + sqliteNow +
		statusStamp(to) + ` WHERE id = ? AND status = ?`

	result, err := s.db.Exec(query, to, projectID, from)
	if err != nil {
		return fmt.Errorf("failed to transition project %s: %w", projectID, err)
	}
	return s.checkProjectUpdated(result, projectID, from)
}

// statusStamp returns the extra SET clause that keeps the project-level
// lifecycle timestamps in step with the status: approved_at is written once,
// on the first approval; completed_at is written when the project completes.
func statusStamp(to string) string {
	switch to {
	case StatusApproved:
		return `, approved_at = COALESCE(approved_at, ` + sqliteNow + `)`
	case StatusCompleted:
		return `, completed_at = ` + sqliteNow
	default:
		return ""
	}
}

// PauseProject pauses a project, remembering the status to restore on resume.
// Only non-terminal, non-paused projects can be paused.
func (s *Store) PauseProject(projectID string) error {
	query := `UPDATE projects SET paused_from = status, status = ?, updated_at = ` + sqliteNow + `
		WHERE id = ? AND status IN (?, ?, ?, ?, ?)`

	result, err := s.db.Exec(query, StatusPaused, projectID,
		StatusIdeation, StatusPlanning, StatusApproved, StatusCoding, StatusTesting)
	if err != nil {
		return fmt.Errorf("failed to pause project %s: %w", projectID, err)
	}
	return s.checkProjectUpdated(result, projectID, "pausable")
}

// ResumeProject restores a paused project to the status it was paused from.
// Returns the restored status.
func (s *Store) ResumeProject(projectID string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pausedFrom sql.NullString
	err = tx.QueryRow(`SELECT paused_from FROM projects WHERE id = ? AND status = ?`,
		projectID, StatusPaused).Scan(&pausedFrom)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetProjectByID(projectID); getErr != nil {
			return "", getErr
		}
		return "", fmt.Errorf("project %s is not paused: %w", projectID, ErrConflict)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read paused project %s: %w", projectID, err)
	}
	if !pausedFrom.Valid || pausedFrom.String == "" {
		return "", fmt.Errorf("project %s has no paused_from state: %w", projectID, ErrConflict)
	}

	_, err = tx.Exec(`UPDATE projects SET status = ?, paused_from = NULL, updated_at = `+sqliteNow+`
		WHERE id = ?`, pausedFrom.String, projectID)
	if err != nil {
		return "", fmt.Errorf("failed to resume project %s: %w", projectID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit resume: %w", err)
	}
	return pausedFrom.String, nil
}

// ForceProjectStatus moves a project to a terminal status (cancelled or
// failed) from any non-terminal state.
func (s *Store) ForceProjectStatus(projectID, to string) error {
	if to != StatusCancelled && to != StatusFailed {
		return fmt.Errorf("force transition to %q not allowed: %w", to, ErrConflict)
	}

	query := `UPDATE projects SET status = ?, paused_from = NULL, updated_at = ` + sqliteNow + `
		WHERE id = ? AND status NOT IN (?, ?, ?)`

	result, err := s.db.Exec(query, to, projectID, StatusCompleted, StatusCancelled, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to force project %s to %s: %w", projectID, to, err)
	}
	return s.checkProjectUpdated(result, projectID, "non-terminal")
}

// RemoveProject deletes a project and all dependent records.
func (s *Store) RemoveProject(projectID string) error {
	result, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("failed to remove project %s: %w", projectID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// checkProjectUpdated distinguishes a missing project from a state conflict
// after a guarded update matched no rows.
func (s *Store) checkProjectUpdated(result sql.Result, projectID, expected string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	p, err := s.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	return fmt.Errorf("project %s is %s, expected %s: %w", projectID, p.Status, expected, ErrConflict)
}

// ---------- Ideas ----------

// AddIdea appends an idea to a project.
func (s *Store) AddIdea(idea *Idea) error {
	query := `INSERT INTO ideas (id, project_id, content) VALUES (?, ?, ?)`

	_, err := s.db.Exec(query, idea.ID, idea.ProjectID, idea.Content)
	if err != nil {
		return fmt.Errorf("failed to add idea to project %s: %w", idea.ProjectID, err)
	}
	return nil
}

// ListIdeas returns a project's ideas in capture order.
func (s *Store) ListIdeas(projectID string) ([]*Idea, error) {
	query := `SELECT id, project_id, content, created_at FROM ideas
		WHERE project_id = ? ORDER BY created_at ASC`

	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ideas for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var ideas []*Idea
	for rows.Next() {
		idea := &Idea{}
		if err := rows.Scan(&idea.ID, &idea.ProjectID, &idea.Content, &idea.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan idea: %w", err)
		}
		ideas = append(ideas, idea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ideas, nil
}

// CountIdeas returns the number of ideas captured for a project.
func (s *Store) CountIdeas(projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ideas WHERE project_id = ?`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ideas for project %s: %w", projectID, err)
	}
	return count, nil
}

// ---------- Plans ----------

// CreatePlan inserts a new draft plan at the project's next version,
// superseding any previous plan in the same transaction so at most one plan
// is ever active. The assigned version is written back to plan.Version.
func (s *Store) CreatePlan(plan *Plan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`UPDATE plans SET status = ? WHERE project_id = ? AND status != ?`,
		PlanSuperseded, plan.ProjectID, PlanSuperseded)
	if err != nil {
		return fmt.Errorf("failed to supersede plans for project %s: %w", plan.ProjectID, err)
	}

	var version int
	err = tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM plans WHERE project_id = ?`,
		plan.ProjectID).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to compute plan version for project %s: %w", plan.ProjectID, err)
	}

	status := plan.Status
	if status == "" {
		status = PlanDraft
	}
	_, err = tx.Exec(`INSERT INTO plans (id, project_id, version, summary, content, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.ProjectID, version, plan.Summary, plan.Content, status)
	if err != nil {
		return fmt.Errorf("failed to insert plan %s: %w", plan.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	plan.Version = version
	return nil
}

// GetActivePlan returns the project's current non-superseded plan.
func (s *Store) GetActivePlan(projectID string) (*Plan, error) {
	query := `SELECT id, project_id, version, summary, content, status, created_at, approved_at
		FROM plans WHERE project_id = ? AND status != ?
		ORDER BY version DESC LIMIT 1`

	plan := &Plan{}
	err := s.db.QueryRow(query, projectID, PlanSuperseded).Scan(
		&plan.ID, &plan.ProjectID, &plan.Version, &plan.Summary, &plan.Content,
		&plan.Status, &plan.CreatedAt, &plan.ApprovedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active plan for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active plan for project %s: %w", projectID, err)
	}
	return plan, nil
}

// ApprovePlan marks a draft plan approved.
func (s *Store) ApprovePlan(planID string) error {
	query := `UPDATE plans SET status = ?, approved_at = ` + sqliteNow + `
		WHERE id = ? AND status = ?`

	result, err := s.db.Exec(query, PlanApproved, planID, PlanDraft)
	if err != nil {
		return fmt.Errorf("failed to approve plan %s: %w", planID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plan %s is not a draft: %w", planID, ErrConflict)
	}
	return nil
}

// ---------- Tasks ----------

const taskCols = `id, plan_id, project_id, milestone, milestone_index, order_index,
	title, description, assigned_agent_role, status, result_summary,
	started_at, completed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	err := row.Scan(
		&task.ID, &task.PlanID, &task.ProjectID, &task.Milestone,
		&task.MilestoneIndex, &task.OrderIndex, &task.Title, &task.Description,
		&task.AssignedAgentRole, &task.Status, &task.ResultSummary,
		&task.StartedAt, &task.CompletedAt, &task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// InsertPlanTasks inserts a plan's tasks atomically.
func (s *Store) InsertPlanTasks(tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO tasks (id, plan_id, project_id, milestone, milestone_index,
		order_index, title, description, assigned_agent_role, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, task := range tasks {
		status := task.Status
		if status == "" {
			status = TaskPending
		}
		_, err := tx.Exec(query, task.ID, task.PlanID, task.ProjectID,
			task.Milestone, task.MilestoneIndex, task.OrderIndex,
			task.Title, task.Description, task.AssignedAgentRole, status)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	return nil
}

// GetTaskByID returns a task by its ID.
func (s *Store) GetTaskByID(taskID string) (*Task, error) {
	task, err := scanTask(s.db.QueryRow(
		`SELECT `+taskCols+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasksByPlan returns a plan's tasks in execution order.
func (s *Store) ListTasksByPlan(planID string) ([]*Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE plan_id = ?
		ORDER BY order_index ASC`

	rows, err := s.db.Query(query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for plan %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tasks, nil
}

// NextPendingTask returns the lowest-ordered pending task of a plan.
// Returns ErrNotFound when the plan has no pending tasks left.
func (s *Store) NextPendingTask(planID string) (*Task, error) {
	task, err := scanTask(s.db.QueryRow(
		`SELECT `+taskCols+` FROM tasks WHERE plan_id = ? AND status = ?
		ORDER BY order_index ASC LIMIT 1`, planID, TaskPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no pending tasks for plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next pending task for plan %s: %w", planID, err)
	}
	return task, nil
}

// UpdateTaskStatusRequest represents a task status update.
type UpdateTaskStatusRequest struct {
	Timestamp     time.Time `json:"timestamp,omitempty"`
	ResultSummary *string   `json:"result_summary,omitempty"`
	TaskID        string    `json:"task_id"`
	Status        string    `json:"status"`
}

// UpdateTaskStatus updates a task's status plus the matching timestamp field.
func (s *Store) UpdateTaskStatus(req *UpdateTaskStatusRequest) error {
	var timestampField string
	switch req.Status {
	case TaskInProgress:
		timestampField = "started_at"
	case TaskCompleted, TaskFailed, TaskSkipped:
		timestampField = "completed_at"
	}

	setParts := []string{"status = ?"}
	args := []any{req.Status}

	if timestampField != "" {
		setParts = append(setParts, fmt.Sprintf("%s = ?", timestampField))
		timestamp := req.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}
		args = append(args, timestamp)
	}

	if req.ResultSummary != nil {
		setParts = append(setParts, "result_summary = ?")
		args = append(args, *req.ResultSummary)
	}

	args = append(args, req.TaskID)

	//nolint:gosec // Safe string concatenation for dynamic query building with bounded inputs
	query := `UPDATE tasks SET ` + strings.Join(setParts, ", ") + ` WHERE id = ?`

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status for %s: %w", req.TaskID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", req.TaskID, ErrNotFound)
	}
	return nil
}

// CountTasksByPlan aggregates task counts per status for a plan.
func (s *Store) CountTasksByPlan(planID string) (*TaskCounts, error) {
	query := `SELECT status, COUNT(*) FROM tasks WHERE plan_id = ? GROUP BY status`

	rows, err := s.db.Query(query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks for plan %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	counts := &TaskCounts{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts.ByStatus[status] = n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return counts, nil
}

// ---------- Conversations ----------

// AppendConversationTurn persists one turn of a task conversation.
func (s *Store) AppendConversationTurn(turn *ConversationTurn) error {
	query := `INSERT INTO conversations (task_id, turn_index, role, content, token_count, phase)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, turn.TaskID, turn.TurnIndex, turn.Role, turn.Content,
		turn.TokenCount, turn.Phase)
	if err != nil {
		return fmt.Errorf("failed to append conversation turn for task %s: %w", turn.TaskID, err)
	}
	return nil
}

// ListConversationTurns returns a task's conversation in turn order.
func (s *Store) ListConversationTurns(taskID string) ([]*ConversationTurn, error) {
	query := `SELECT task_id, turn_index, role, content, token_count, phase, created_at
		FROM conversations WHERE task_id = ? ORDER BY turn_index ASC`

	rows, err := s.db.Query(query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*ConversationTurn
	for rows.Next() {
		turn := &ConversationTurn{}
		if err := rows.Scan(&turn.TaskID, &turn.TurnIndex, &turn.Role,
			&turn.Content, &turn.TokenCount, &turn.Phase, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return turns, nil
}

// ReplaceConversation atomically replaces a task's persisted conversation,
// used after context summarization compacts the transcript.
func (s *Store) ReplaceConversation(taskID string, turns []*ConversationTurn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to clear conversation for task %s: %w", taskID, err)
	}

	query := `INSERT INTO conversations (task_id, turn_index, role, content, token_count, phase)
		VALUES (?, ?, ?, ?, ?, ?)`
	for _, turn := range turns {
		if _, err := tx.Exec(query, taskID, turn.TurnIndex, turn.Role, turn.Content,
			turn.TokenCount, turn.Phase); err != nil {
			return fmt.Errorf("failed to insert conversation turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation replace: %w", err)
	}
	return nil
}

// ---------- Provider usage ----------

// ReserveProviderQuota atomically increments a provider's daily request count
// if it is still under the limit. A limit of zero or less means unlimited.
// Returns false when the day's budget is exhausted.
func (s *Store) ReserveProviderQuota(provider, day string, limit int) (bool, error) {
	if limit <= 0 {
		query := `INSERT INTO provider_usage (provider, day, requests_used, last_request_at)
			VALUES (?, ?, 1, ` + sqliteNow + `)
			ON CONFLICT(provider, day) DO UPDATE SET
				requests_used = requests_used + 1,
				last_request_at = excluded.last_request_at`
		if _, err := s.db.Exec(query, provider, day); err != nil {
			return false, fmt.Errorf("failed to record usage for %s: %w", provider, err)
		}
		return true, nil
	}

	query := `INSERT INTO provider_usage (provider, day, requests_used, last_request_at)
		VALUES (?, ?, 1, ` + sqliteNow + `)
		ON CONFLICT(provider, day) DO UPDATE SET
			requests_used = requests_used + 1,
			last_request_at = excluded.last_request_at
		WHERE provider_usage.requests_used < ?`

	result, err := s.db.Exec(query, provider, day, limit)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota for %s: %w", provider, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// AddProviderTokens accumulates token usage for a provider's daily row.
func (s *Store) AddProviderTokens(provider, day string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	query := `INSERT INTO provider_usage (provider, day, tokens_used) VALUES (?, ?, ?)
		ON CONFLICT(provider, day) DO UPDATE SET tokens_used = tokens_used + excluded.tokens_used`

	if _, err := s.db.Exec(query, provider, day, tokens); err != nil {
		return fmt.Errorf("failed to add tokens for %s: %w", provider, err)
	}
	return nil
}

// RecordProviderError counts a failed call against a provider's daily row.
func (s *Store) RecordProviderError(provider, day string) error {
	query := `INSERT INTO provider_usage (provider, day, errors) VALUES (?, ?, 1)
		ON CONFLICT(provider, day) DO UPDATE SET errors = errors + 1`

	if _, err := s.db.Exec(query, provider, day); err != nil {
		return fmt.Errorf("failed to record error for %s: %w", provider, err)
	}
	return nil
}

// GetProviderUsage returns a provider's accounting row for a given UTC day.
// A provider with no calls that day yields a zero-valued row.
func (s *Store) GetProviderUsage(provider, day string) (*ProviderUsage, error) {
	usage := &ProviderUsage{Provider: provider, Day: day}
	err := s.db.QueryRow(`SELECT requests_used, tokens_used, errors, last_request_at
		FROM provider_usage WHERE provider = ? AND day = ?`, provider, day).Scan(
		&usage.RequestsUsed, &usage.TokensUsed, &usage.Errors, &usage.LastRequestAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage for %s: %w", provider, err)
	}
	return usage, nil
}

// ---------- Project events ----------

// InsertProjectEvent appends an entry to a project's event timeline.
func (s *Store) InsertProjectEvent(ev *ProjectEvent) error {
	query := `INSERT INTO project_events (project_id, kind, message) VALUES (?, ?, ?)`

	_, err := s.db.Exec(query, ev.ProjectID, ev.Kind, ev.Message)
	if err != nil {
		return fmt.Errorf("failed to insert event for project %s: %w", ev.ProjectID, err)
	}
	return nil
}

// ListProjectEvents returns the most recent events for a project, newest first.
func (s *Store) ListProjectEvents(projectID string, limit int) ([]*ProjectEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, project_id, kind, message, created_at
		FROM project_events WHERE project_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.Query(query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ProjectEvent
	for rows.Next() {
		ev := &ProjectEvent{}
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.Kind, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// ---------- Idempotency ----------

// PutIdempotentResponse caches a dispatch response under (task, key).
// The first write wins; later writes for the same key are ignored.
func (s *Store) PutIdempotentResponse(taskID, key, response string) error {
	query := `INSERT OR IGNORE INTO action_idempotency (task_id, idempotency_key, response)
		VALUES (?, ?, ?)`

	_, err := s.db.Exec(query, taskID, key, response)
	if err != nil {
		return fmt.Errorf("failed to cache idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse returns the cached response for (task, key) if present.
func (s *Store) GetIdempotentResponse(taskID, key string) (string, bool, error) {
	var response string
	err := s.db.QueryRow(`SELECT response FROM action_idempotency
		WHERE task_id = ? AND idempotency_key = ?`, taskID, key).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	return response, true, nil
}

// ---------- Agent records ----------

// SetAgentStatus upserts the (project, role) agent record with a new status
// and stamps its last-active time.
func (s *Store) SetAgentStatus(projectID, role, status string) error {
	query := `INSERT INTO agents (project_id, role, status, last_active_at)
		VALUES (?, ?, ?, ` + sqliteNow + `)
		ON CONFLICT(project_id, role) DO UPDATE SET
			status = excluded.status,
			last_active_at = excluded.last_active_at`

	if _, err := s.db.Exec(query, projectID, role, status); err != nil {
		return fmt.Errorf("failed to set agent status for %s/%s: %w", projectID, role, err)
	}
	return nil
}

// RecordAgentTaskDone bumps the (project, role) agent counters after a task
// finishes and returns the agent to idle.
func (s *Store) RecordAgentTaskDone(projectID, role string, succeeded bool) error {
	completed, failed := 0, 1
	if succeeded {
		completed, failed = 1, 0
	}

	query := `INSERT INTO agents (project_id, role, status, tasks_completed, tasks_failed, last_active_at)
		VALUES (?, ?, 'idle', ?, ?, ` + sqliteNow + `)
		ON CONFLICT(project_id, role) DO UPDATE SET
			status = 'idle',
			tasks_completed = tasks_completed + excluded.tasks_completed,
			tasks_failed = tasks_failed + excluded.tasks_failed,
			last_active_at = excluded.last_active_at`

	if _, err := s.db.Exec(query, projectID, role, completed, failed); err != nil {
		return fmt.Errorf("failed to record agent task for %s/%s: %w", projectID, role, err)
	}
	return nil
}

// GetAgent returns the (project, role) agent record.
func (s *Store) GetAgent(projectID, role string) (*Agent, error) {
	a := &Agent{}
	err := s.db.QueryRow(`SELECT project_id, role, status, tasks_completed, tasks_failed, last_active_at
		FROM agents WHERE project_id = ? AND role = ?`, projectID, role).Scan(
		&a.ProjectID, &a.Role, &a.Status, &a.TasksCompleted, &a.TasksFailed, &a.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s/%s: %w", projectID, role, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s/%s: %w", projectID, role, err)
	}
	return a, nil
}

// ListAgents returns a project's agent records ordered by role.
func (s *Store) ListAgents(projectID string) ([]*Agent, error) {
	query := `SELECT project_id, role, status, tasks_completed, tasks_failed, last_active_at
		FROM agents WHERE project_id = ? ORDER BY role ASC`

	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents for project %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ProjectID, &a.Role, &a.Status, &a.TasksCompleted,
			&a.TasksFailed, &a.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return agents, nil
}

// ---------- Agent runs ----------

const agentRunCols = `id, project_id, task_id, agent_role, provider, model, status,
	rounds, escalations, title, summary, error, nudged,
	started_at, heartbeat_at, finished_at`

func scanAgentRun(row rowScanner) (*AgentRun, error) {
	run := &AgentRun{}
	err := row.Scan(
		&run.ID, &run.ProjectID, &run.TaskID, &run.AgentRole, &run.Provider,
		&run.Model, &run.Status, &run.Rounds, &run.Escalations, &run.Title,
		&run.Summary, &run.Error, &run.Nudged,
		&run.StartedAt, &run.HeartbeatAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// StartAgentRun records the beginning of a worker execution attempt.
func (s *Store) StartAgentRun(run *AgentRun) error {
	query := `INSERT INTO agent_runs (id, project_id, task_id, agent_role, provider, model, title)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, run.ID, run.ProjectID, run.TaskID, run.AgentRole,
		run.Provider, run.Model, run.Title)
	if err != nil {
		return fmt.Errorf("failed to start agent run %s: %w", run.ID, err)
	}
	return nil
}

// HeartbeatAgentRun refreshes a live run's heartbeat timestamp. A run that
// already finished is left alone.
func (s *Store) HeartbeatAgentRun(runID string) error {
	query := `UPDATE agent_runs SET heartbeat_at = ` + sqliteNow + `
		WHERE id = ? AND status = ?`

	if _, err := s.db.Exec(query, runID, RunRunning); err != nil {
		return fmt.Errorf("failed to heartbeat agent run %s: %w", runID, err)
	}
	return nil
}

// MarkRunNudged flips the run's nudge flag. Returns true only for the caller
// that performed the flip, so the stall nudge fires at most once per run.
func (s *Store) MarkRunNudged(runID string) (bool, error) {
	query := `UPDATE agent_runs SET nudged = 1 WHERE id = ? AND nudged = 0 AND status = ?`

	result, err := s.db.Exec(query, runID, RunRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark agent run %s nudged: %w", runID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// FinishAgentRunRequest carries the terminal fields of a run.
type FinishAgentRunRequest struct {
	Provider    *string `json:"provider,omitempty"`
	Model       *string `json:"model,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	Error       *string `json:"error,omitempty"`
	RunID       string  `json:"run_id"`
	Status      string  `json:"status"`
	Rounds      int     `json:"rounds"`
	Escalations int     `json:"escalations"`
}

// FinishAgentRun completes a running run record with its outcome. Returns
// ErrConflict if the run already finished.
func (s *Store) FinishAgentRun(req *FinishAgentRunRequest) error {
	setParts := []string{"status = ?", "rounds = ?", "escalations = ?", "finished_at = " + sqliteNow}
	args := []any{req.Status, req.Rounds, req.Escalations}

	if req.Provider != nil {
		setParts = append(setParts, "provider = ?")
		args = append(args, *req.Provider)
	}
	if req.Model != nil {
		setParts = append(setParts, "model = ?")
		args = append(args, *req.Model)
	}
	if req.Summary != nil {
		setParts = append(setParts, "summary = ?")
		args = append(args, *req.Summary)
	}
	if req.Error != nil {
		setParts = append(setParts, "error = ?")
		args = append(args, *req.Error)
	}

	args = append(args, req.RunID, RunRunning)

	query := `UPDATE agent_runs SET ` + strings.Join(setParts, ", ") + ` WHERE id = ? AND status = ?`

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish agent run %s: %w", req.RunID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.GetAgentRun(req.RunID); err != nil {
		return err
	}
	return fmt.Errorf("agent run %s is not running: %w", req.RunID, ErrConflict)
}

// GetAgentRun returns a run by its ID.
func (s *Store) GetAgentRun(runID string) (*AgentRun, error) {
	run, err := scanAgentRun(s.db.QueryRow(
		`SELECT `+agentRunCols+` FROM agent_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent run %s: %w", runID, err)
	}
	return run, nil
}

// ListAgentRuns returns a task's runs in start order.
func (s *Store) ListAgentRuns(taskID string) ([]*AgentRun, error) {
	query := `SELECT ` + agentRunCols + ` FROM agent_runs WHERE task_id = ? ORDER BY started_at ASC`

	rows, err := s.db.Query(query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// ---------- Task artifacts ----------

// InsertTaskArtifact stores an artifact produced while working a task.
func (s *Store) InsertTaskArtifact(a *TaskArtifact) error {
	kind := a.Kind
	if kind == "" {
		kind = "file"
	}
	query := `INSERT INTO task_artifacts (task_id, name, kind, content) VALUES (?, ?, ?, ?)`

	_, err := s.db.Exec(query, a.TaskID, a.Name, kind, a.Content)
	if err != nil {
		return fmt.Errorf("failed to insert artifact %q for task %s: %w", a.Name, a.TaskID, err)
	}
	return nil
}

// ListTaskArtifacts returns a task's artifacts in creation order.
func (s *Store) ListTaskArtifacts(taskID string) ([]*TaskArtifact, error) {
	query := `SELECT id, task_id, name, kind, content, created_at
		FROM task_artifacts WHERE task_id = ? ORDER BY id ASC`

	rows, err := s.db.Query(query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*TaskArtifact
	for rows.Next() {
		a := &TaskArtifact{}
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.Kind, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return artifacts, nil
}
