package persistence

import (
	"context"

	"openclaw/pkg/logx"
)

// Request represents one asynchronous write handed to the writer goroutine.
type Request struct {
	Data      any    `json:"data"`
	Operation string `json:"operation"`
}

// Operation constants for Request.
const (
	OpInsertEvent        = "insert_event"
	OpAppendConversation = "append_conversation"
	OpUpdateTaskStatus   = "update_task_status"
	OpInsertArtifact     = "insert_artifact"
)

// Writer drains fire-and-forget write requests onto the store so hot paths
// never block on disk. Failures are logged, not surfaced.
type Writer struct {
	store  *Store
	logger *logx.Logger
	ch     chan *Request
}

// NewWriter creates a writer with a buffered request channel.
func NewWriter(store *Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Writer{
		store:  store,
		logger: logx.NewLogger("persistence-writer"),
		ch:     make(chan *Request, buffer),
	}
}

// Channel returns the send side for producers.
func (w *Writer) Channel() chan<- *Request {
	return w.ch
}

// Run processes requests until the context is cancelled, then drains
// whatever is already queued.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req := <-w.ch:
					w.apply(req)
				default:
					return
				}
			}
		case req := <-w.ch:
			w.apply(req)
		}
	}
}

func (w *Writer) apply(req *Request) {
	var err error
	switch req.Operation {
	case OpInsertEvent:
		if ev, ok := req.Data.(*ProjectEvent); ok {
			err = w.store.InsertProjectEvent(ev)
		}
	case OpAppendConversation:
		if turn, ok := req.Data.(*ConversationTurn); ok {
			err = w.store.AppendConversationTurn(turn)
		}
	case OpUpdateTaskStatus:
		if statusReq, ok := req.Data.(*UpdateTaskStatusRequest); ok {
			err = w.store.UpdateTaskStatus(statusReq)
		}
	case OpInsertArtifact:
		if a, ok := req.Data.(*TaskArtifact); ok {
			err = w.store.InsertTaskArtifact(a)
		}
	default:
		w.logger.Warn("unknown write operation: %s", req.Operation)
		return
	}
	if err != nil {
		w.logger.Error("async write %s failed: %v", req.Operation, err)
	}
}

// PersistEvent queues a project event write (fire-and-forget).
func PersistEvent(ev *ProjectEvent, ch chan<- *Request) {
	if ch == nil || ev == nil {
		return
	}
	ch <- &Request{Operation: OpInsertEvent, Data: ev}
}

// PersistConversationTurn queues a conversation turn write (fire-and-forget).
func PersistConversationTurn(turn *ConversationTurn, ch chan<- *Request) {
	if ch == nil || turn == nil {
		return
	}
	ch <- &Request{Operation: OpAppendConversation, Data: turn}
}

// PersistTaskStatus queues a task status update (fire-and-forget).
func PersistTaskStatus(req *UpdateTaskStatusRequest, ch chan<- *Request) {
	if ch == nil || req == nil || req.TaskID == "" {
		return
	}
	ch <- &Request{Operation: OpUpdateTaskStatus, Data: req}
}

// PersistArtifact queues a task artifact write (fire-and-forget).
func PersistArtifact(a *TaskArtifact, ch chan<- *Request) {
	if ch == nil || a == nil {
		return
	}
	ch <- &Request{Operation: OpInsertArtifact, Data: a}
}
