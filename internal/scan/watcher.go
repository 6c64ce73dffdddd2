package scan

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// DefaultDelay is the idle time after the last mutation before a rescan.
const DefaultDelay = 180 * time.Millisecond

// Watcher coalesces bursts of mutation signals into one rescan. Every Trigger
// resets the timer, so the rescan always sees the latest document state.
type Watcher struct {
	mu        sync.Mutex
	debounced func(func())
	run       func()
	stopped   bool
}

func NewWatcher(delay time.Duration, run func()) *Watcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Watcher{
		debounced: debounce.New(delay),
		run:       run,
	}
}

func (w *Watcher) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.debounced(w.fire)
}

// Stop prevents any pending or future rescan from running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func (w *Watcher) fire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	w.run()
}
