package orchestrator

import (
	"context"

	"openclaw/pkg/logx"
	"openclaw/pkg/persistence"
)

// Project event kinds emitted by the manager, worker, and watcher.
const (
	EventStarted             = "started"
	EventPaused              = "paused"
	EventResumed             = "resumed"
	EventCancelled           = "cancelled"
	EventCompleted           = "completed"
	EventError               = "error"
	EventTesting             = "testing"
	EventMilestoneStarted    = "milestone_started"
	EventMilestoneReview     = "milestone_review"
	EventTaskStarted         = "task_started"
	EventTaskCompleted       = "task_completed"
	EventTaskFailed          = "task_failed"
	EventPlanGenerated       = "plan_generated"
	EventPlanSynthesisFailed = "plan_synthesis_failed"
	EventManagerNudge        = "manager_nudge"
)

// ProgressFunc receives every project event for front-end delivery.
type ProgressFunc func(ctx context.Context, projectID, kind, message string) error

// ApprovalFunc asks the operator to approve one action. Implementations
// should deny after their own prompt timeout; a false return or an error
// both count as denial.
type ApprovalFunc func(ctx context.Context, projectID, action string, params map[string]any) (bool, error)

// Notifier fans project events out to the durable store and a registered
// progress callback. Persistence goes through the async writer so event
// emission never blocks on disk; callback panics and errors are logged and
// swallowed so a broken front-end cannot abort a worker.
type Notifier struct {
	writes   chan<- *persistence.Request
	progress ProgressFunc
	log      *logx.Logger
}

// NewNotifier builds a notifier. progress may be nil.
func NewNotifier(writes chan<- *persistence.Request, progress ProgressFunc) *Notifier {
	return &Notifier{
		writes:   writes,
		progress: progress,
		log:      logx.NewLogger("events"),
	}
}

// Notify persists one event and delivers it to the progress callback.
func (n *Notifier) Notify(ctx context.Context, projectID, kind, message string) {
	persistence.PersistEvent(&persistence.ProjectEvent{
		ProjectID: projectID,
		Kind:      kind,
		Message:   message,
	}, n.writes)

	if n.progress == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("progress callback panicked for %s/%s: %v", projectID, kind, r)
			}
		}()
		if err := n.progress(ctx, projectID, kind, message); err != nil {
			n.log.Error("progress callback failed for %s/%s: %v", projectID, kind, err)
		}
	}()
}
