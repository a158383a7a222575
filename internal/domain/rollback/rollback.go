// Package rollback implements the single-slot "rewind to checkpoint X and
// inject message M" mailbox the agent loop polls at the top of each step.
package rollback

import "sync"

// Entry is one rollback request: rewind the transcript to CheckpointID and
// then append a user message carrying MessageText.
type Entry struct {
	CheckpointID string
	MessageText  string
}

// Mailbox is a single-slot channel; a new Send overwrites any prior entry
// that was never taken — last-writer-wins, since senders rarely race.
type Mailbox struct {
	mu      sync.Mutex
	pending *Entry
}

// New creates an empty Mailbox.
func New() *Mailbox {
	return &Mailbox{}
}

// Send deposits an entry, overwriting any unreceived prior entry.
func (m *Mailbox) Send(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &e
}

// TryTake removes and returns the pending entry, if any.
func (m *Mailbox) TryTake() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Entry{}, false
	}
	e := *m.pending
	m.pending = nil
	return e, true
}

// Clear discards any pending entry without returning it.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// HasPending reports whether an entry is waiting to be taken.
func (m *Mailbox) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}
