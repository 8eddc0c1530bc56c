// Package session holds the table correlating a multiplexed session id
// with the local client socket half-duplex handles it belongs to.
package session

import (
	"io"
	"sync"
	"time"
)

// Session is a single logical stream between one SOCKS5 client and one
// slave, identified by a 32-bit id unique for the broker process's
// lifetime. The SlaveID field is a weak reference (an id looked up through
// the manager's roster), never an owning pointer, so slave retirement can
// never leave a Session dangling on a freed Slave.
type Session struct {
	ID        uint32
	SlaveID   uint64
	ClientKey string
	CreatedAt time.Time

	// ClientWriter is the half used to push slave->client bytes back to
	// the local SOCKS5 socket. ClientCloser closes both halves of that
	// socket when the session ends.
	ClientWriter io.Writer
	ClientCloser io.Closer
}

// Table is a concurrency-safe map from session id to Session. It does not
// itself allocate ids; callers (the proxy manager) own the id counter so
// that id allocation and table insertion are a single atomic step from the
// caller's perspective.
type Table struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
}

// NewTable constructs an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[uint32]*Session)}
}

// Put inserts or replaces the entry for sess.ID.
func (t *Table) Put(sess *Session) {
	t.mu.Lock()
	t.sessions[sess.ID] = sess
	t.mu.Unlock()
}

// Get looks up a session by id.
func (t *Table) Get(id uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes the entry for id, returning it if present.
func (t *Table) Remove(id uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

// RemoveAllForSlave removes and returns every session bound to slaveID,
// used during slave retirement to close all dependent sessions before the
// slave record itself is dropped.
func (t *Table) RemoveAllForSlave(slaveID uint64) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Session
	for id, s := range t.sessions {
		if s.SlaveID == slaveID {
			removed = append(removed, s)
			delete(t.sessions, id)
		}
	}
	return removed
}

// Len reports the current number of live sessions, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
