package agentd

import (
	"sync"
	"time"
)

// slidingWindow admits at most limit requests per window, counted over the
// trailing window rather than fixed buckets.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	marks  []time.Time
}

func newSlidingWindow(limit int) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
	}
}

// Allow records one request when the window has room and reports whether it
// was admitted.
func (w *slidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	kept := w.marks[:0]
	for _, mark := range w.marks {
		if mark.After(cutoff) {
			kept = append(kept, mark)
		}
	}
	w.marks = kept

	if len(w.marks) >= w.limit {
		return false
	}
	w.marks = append(w.marks, w.now())
	return true
}
