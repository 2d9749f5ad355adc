package statesync

import (
	"sync"

	"carball.ai/internal/editorproto"
)

// Mailbox holds at most one pending edit. A newer edit replaces an unpolled
// older one. Safe for concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	pending *editorproto.StateSetMsg
	dropped uint64
}

func (m *Mailbox) Put(msg editorproto.StateSetMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.dropped++
	}
	m.pending = &msg
}

// Poll takes the pending edit, if any.
func (m *Mailbox) Poll() (editorproto.StateSetMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return editorproto.StateSetMsg{}, false
	}
	msg := *m.pending
	m.pending = nil
	return msg, true
}

// Dropped counts edits overwritten before they were applied.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
