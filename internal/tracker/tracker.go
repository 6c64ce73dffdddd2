// Package tracker records whether the live document has changes that were
// not yet published.
package tracker

import (
	"sync"
	"time"
)

type State struct {
	HasUnpublishedChanges bool      `json:"hasUnpublishedChanges"`
	LastReason            string    `json:"lastReason,omitempty"`
	Version               uint64    `json:"version"`
	ChangedAt             time.Time `json:"changedAt,omitempty"`
}

// Tracker is a monotonic version counter with a dirty flag. A publish only
// clears the flag when no notification arrived after it captured the
// version.
type Tracker struct {
	mu        sync.Mutex
	version   uint64
	dirty     bool
	reason    string
	changedAt time.Time
	now       func() time.Time
	listeners []func(State)
}

func New() *Tracker {
	return &Tracker{now: time.Now}
}

// OnChange registers fn to run after every state transition.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Tracker) Notify(reason string) {
	t.mu.Lock()
	t.version++
	t.dirty = true
	t.reason = reason
	t.changedAt = t.now()
	state, listeners := t.stateLocked(), t.listeners
	t.mu.Unlock()
	emit(listeners, state)
}

func (t *Tracker) Capture() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// MarkPublished clears the dirty flag if nothing changed since captured was
// taken. It reports whether the flag was cleared.
func (t *Tracker) MarkPublished(captured uint64) bool {
	t.mu.Lock()
	if captured != t.version {
		t.mu.Unlock()
		return false
	}
	t.dirty = false
	t.reason = ""
	state, listeners := t.stateLocked(), t.listeners
	t.mu.Unlock()
	emit(listeners, state)
	return true
}

// Reset returns to clean after the document was reloaded. The version keeps
// counting so an in-flight publish cannot mistake the reload for its own.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.version++
	t.dirty = false
	t.reason = ""
	state, listeners := t.stateLocked(), t.listeners
	t.mu.Unlock()
	emit(listeners, state)
}

func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() State {
	return State{
		HasUnpublishedChanges: t.dirty,
		LastReason:            t.reason,
		Version:               t.version,
		ChangedAt:             t.changedAt,
	}
}

func emit(listeners []func(State), state State) {
	for _, fn := range listeners {
		fn(state)
	}
}
