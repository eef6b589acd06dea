package transport

import (
	"sync"
	"time"
)

// slidingWindow counts events in a rolling time window. Used to bound
// connection attempts on the websocket transport and requests per window on
// the HTTP transport.
type slidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{max: max, window: window}
}

// allow records the event and reports whether it fits in the window. A zero
// max or window disables limiting.
func (w *slidingWindow) allow(now time.Time) bool {
	if w.max <= 0 || w.window <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.stamps) >= w.max {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// retryAfter returns how long until the oldest event leaves the window.
func (w *slidingWindow) retryAfter(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.stamps) < w.max || len(w.stamps) == 0 {
		return 0
	}
	return w.stamps[0].Add(w.window).Sub(now)
}

// prune drops stamps that fell out of the window. Caller holds the lock.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = nil
}
