package persistence

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for callers that need to distinguish outcomes.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update matched no rows because
	// the record was not in the expected state.
	ErrConflict = errors.New("state conflict")
)

// Project lifecycle status constants.
const (
	StatusIdeation  = "ideation"
	StatusPlanning  = "planning"
	StatusApproved  = "approved"
	StatusCoding    = "coding"
	StatusTesting   = "testing"
	StatusCompleted = "completed"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Task status constants.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskSkipped    = "skipped"
)

// Plan status constants.
const (
	PlanDraft      = "draft"
	PlanApproved   = "approved"
	PlanSuperseded = "superseded"
)

// Conversation role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Agent run status constants.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Agent record status constants.
const (
	AgentIdle    = "idle"
	AgentRunning = "running"
)

// ValidProjectStatuses returns all valid project statuses.
func ValidProjectStatuses() []string {
	return []string{
		StatusIdeation,
		StatusPlanning,
		StatusApproved,
		StatusCoding,
		StatusTesting,
		StatusCompleted,
		StatusPaused,
		StatusCancelled,
		StatusFailed,
	}
}

// IsValidProjectStatus checks if a status string is valid.
func IsValidProjectStatus(status string) bool {
	for _, validStatus := range ValidProjectStatuses() {
		if status == validStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a project status admits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusFailed
}

// Project represents a software project managed by the gateway.
//
//nolint:govet // struct alignment optimization not critical for this type
type Project struct {
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	DisplayName      string     `json:"display_name"`
	Workdir          string     `json:"workdir,omitempty"`
	Status           string     `json:"status"`
	PausedFrom       *string    `json:"paused_from,omitempty"`
	RepoURL          *string    `json:"repo_url,omitempty"`
	BootstrapOK      *bool      `json:"bootstrap_ok,omitempty"`
	BootstrapSummary *string    `json:"bootstrap_summary,omitempty"`
}

// Idea represents a captured idea attached to a project.
type Idea struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Content   string    `json:"content"`
}

// Plan represents a synthesized development plan for a project.
type Plan struct {
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Summary    string     `json:"summary"`
	Content    string     `json:"content"` // Raw synthesis JSON
	Status     string     `json:"status"`
	Version    int        `json:"version"`
}

// Task represents a unit of work within a plan.
//
//nolint:govet // struct alignment optimization not critical for this type
type Task struct {
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ID                string     `json:"id"`
	PlanID            string     `json:"plan_id"`
	ProjectID         string     `json:"project_id"`
	Milestone         string     `json:"milestone"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Status            string     `json:"status"`
	AssignedAgentRole *string    `json:"assigned_agent_role,omitempty"`
	ResultSummary     *string    `json:"result_summary,omitempty"`
	MilestoneIndex    int        `json:"milestone_index"`
	OrderIndex        int        `json:"order_index"`
}

// Conversation phase tags.
const (
	PhasePlanning = "planning"
	PhaseCoding   = "coding"
	PhaseTesting  = "testing"
)

// ConversationTurn is one persisted turn of a task's working conversation.
type ConversationTurn struct {
	CreatedAt  time.Time `json:"created_at"`
	TaskID     string    `json:"task_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Phase      string    `json:"phase"`
	TurnIndex  int       `json:"turn_index"`
	TokenCount int       `json:"token_count"`
}

// ProjectEvent is one entry in a project's event timeline.
type ProjectEvent struct {
	CreatedAt time.Time `json:"created_at"`
	ProjectID string    `json:"project_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	ID        int64     `json:"id"`
}

// Agent is the per (project, role) activity record.
type Agent struct {
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
	ProjectID      string     `json:"project_id"`
	Role           string     `json:"role"`
	Status         string     `json:"status"`
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
}

// AgentRun records one worker execution attempt of a task. The watcher keeps
// heartbeat_at fresh while the run is live and uses it to detect stalls.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentRun struct {
	StartedAt   time.Time  `json:"started_at"`
	HeartbeatAt time.Time  `json:"heartbeat_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	TaskID      string     `json:"task_id"`
	AgentRole   string     `json:"agent_role"`
	Status      string     `json:"status"`
	Title       string     `json:"title"`
	Provider    *string    `json:"provider,omitempty"`
	Model       *string    `json:"model,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Rounds      int        `json:"rounds"`
	Escalations int        `json:"escalations"`
	Nudged      bool       `json:"nudged"`
}

// ProviderUsage is the daily accounting row for one provider.
type ProviderUsage struct {
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
	Provider      string     `json:"provider"`
	Day           string     `json:"day"`
	RequestsUsed  int        `json:"requests_used"`
	TokensUsed    int        `json:"tokens_used"`
	Errors        int        `json:"errors"`
}

// TaskArtifact is a file or note produced while working a task.
type TaskArtifact struct {
	CreatedAt time.Time `json:"created_at"`
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	ID        int64     `json:"id"`
}

// TaskCounts aggregates task totals per status for a plan.
type TaskCounts struct {
	ByStatus map[string]int `json:"by_status"`
	Total    int            `json:"total"`
}

// Done returns the number of tasks in a terminal task state.
func (c *TaskCounts) Done() int {
	return c.ByStatus[TaskCompleted] + c.ByStatus[TaskFailed] + c.ByStatus[TaskSkipped]
}

// GenerateProjectID generates a new UUID for a project.
func GenerateProjectID() string {
	return uuid.New().String()
}

// GenerateIdeaID generates a new UUID for an idea.
func GenerateIdeaID() string {
	return uuid.New().String()
}

// GeneratePlanID generates a new UUID for a plan.
func GeneratePlanID() string {
	return uuid.New().String()
}

// GenerateRunID generates a new UUID for an agent run.
func GenerateRunID() string {
	return uuid.New().String()
}

// GenerateTaskID generates an 8-character hex ID for a task (like git commit hashes).
func GenerateTaskID() string {
	bytes := make([]byte, 4) // 4 bytes = 8 hex characters
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()[:8]
	}
	return fmt.Sprintf("%x", bytes)
}
