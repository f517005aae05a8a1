package orchestrator

import (
	"context"
	"fmt"
	"time"

	"openclaw/pkg/logx"
	"openclaw/pkg/persistence"
)

// Watcher heartbeat and stall-nudge intervals.
const (
	HeartbeatInterval = 20 * time.Second
	NudgeAfter        = 120 * time.Second
)

// Watcher supervises live agent runs: it keeps the run's heartbeat fresh
// and emits a manager_nudge event once when a run exceeds the stall
// threshold. It never cancels the run itself.
type Watcher struct {
	store     *persistence.Store
	events    *Notifier
	log       *logx.Logger
	interval  time.Duration
	nudgeWait time.Duration
	now       func() time.Time
}

// NewWatcher builds a watcher over the store and event fan-out.
func NewWatcher(store *persistence.Store, events *Notifier) *Watcher {
	return &Watcher{
		store:     store,
		events:    events,
		log:       logx.NewLogger("watcher"),
		interval:  HeartbeatInterval,
		nudgeWait: NudgeAfter,
		now:       time.Now,
	}
}

// Watch heartbeats a run until the context is cancelled, nudging at most
// once. Callers cancel the context when the run finishes.
func (w *Watcher) Watch(ctx context.Context, projectID, runID, title string) {
	started := w.now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatAgentRun(runID); err != nil {
				w.log.Warn("heartbeat failed for run %s: %v", runID, err)
				continue
			}
			elapsed := w.now().Sub(started)
			if elapsed < w.nudgeWait {
				continue
			}
			// The store flips the nudge flag exactly once per run.
			flipped, err := w.store.MarkRunNudged(runID)
			if err != nil {
				w.log.Warn("nudge mark failed for run %s: %v", runID, err)
				continue
			}
			if flipped {
				w.events.Notify(ctx, projectID, EventManagerNudge, fmt.Sprintf(
					"Manager watcher nudge: task '%s' is still running after %ds.",
					title, int(elapsed.Seconds())))
			}
		}
	}
}
