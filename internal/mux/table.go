package mux

import (
	"fmt"
	"net"

	"github.com/telemux/convmux/internal/protocol"
)

// SessionFactory constructs the session for a conversation seen for the
// first time. The listener injects one bound to its socket and engine factory.
type SessionFactory func(conv protocol.ConvID, peer *net.UDPAddr) (*Session, error)

// Table is the single authority for conversation-ID allocation and the
// ID-to-session mapping.
//
// It is deliberately unlocked: only the demux loop goroutine touches it. All
// other goroutines reach sessions through channels (accept queue, close
// notifications), never through the table.
type Table struct {
	sessions   map[protocol.ConvID]*Session
	nextConv   uint32
	newSession SessionFactory
}

// NewTable creates an empty conversation table.
func NewTable(newSession SessionFactory) *Table {
	return &Table{
		sessions:   make(map[protocol.ConvID]*Session),
		newSession: newSession,
	}
}

// AllocConv returns a fresh conversation ID. Never returns the reserved zero
// value and never collides with a live entry; after a session is removed its
// ID becomes eligible again.
func (t *Table) AllocConv() protocol.ConvID {
	for {
		t.nextConv++
		conv := protocol.ConvID(t.nextConv)
		if conv.IsReserved() {
			continue
		}
		if _, live := t.sessions[conv]; !live {
			return conv
		}
	}
}

// GetOrCreate resolves conv to its session, constructing and inserting one if
// absent. The bool reports whether a session was created. A session's peer
// address is fixed at creation; an existing session is returned as-is even if
// the datagram came from a different address. On factory failure the table is
// left unchanged.
func (t *Table) GetOrCreate(conv protocol.ConvID, peer *net.UDPAddr) (*Session, bool, error) {
	if s, ok := t.sessions[conv]; ok {
		return s, false, nil
	}

	s, err := t.newSession(conv, peer)
	if err != nil {
		return nil, false, fmt.Errorf("create session conv %d: %w", conv, err)
	}

	t.sessions[conv] = s
	return s, true, nil
}

// Get returns the live session for conv, or nil.
func (t *Table) Get(conv protocol.ConvID) *Session {
	return t.sessions[conv]
}

// CloseConv removes conv from the table and closes its session. Idempotent:
// removing an absent ID is a no-op and returns false.
func (t *Table) CloseConv(conv protocol.ConvID) bool {
	s, ok := t.sessions[conv]
	if !ok {
		return false
	}

	delete(t.sessions, conv)
	s.Close()
	return true
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	return len(t.sessions)
}
