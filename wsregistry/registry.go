// Package wsregistry tracks active WebSocket connections and the
// operations running on them.
//
// The registry is the only state shared between connection handlers and
// the Sweeper. Connection handlers register themselves and their
// operations' cancel functions; the Sweeper scans for connections whose
// transport is gone and reclaims whatever they left behind.
package wsregistry

import (
	"sync"
)

// Conn is the registry's view of a connection.
type Conn interface {
	// ID returns an identifier unique to the server.
	ID() string

	// Open reports whether the underlying transport is still usable.
	Open() bool
}

// CancelFunc stops an operation's result production. It must be safe to
// call more than once.
type CancelFunc func()

type connEntry struct {
	conn Conn

	mu  sync.Mutex
	ops map[string]CancelFunc
}

// cancelAll empties the operation map and cancels every handle.
// Cancellation is fire-and-forget: a slow handle must not stall a
// connection teardown or a sweep.
func (e *connEntry) cancelAll() {
	e.mu.Lock()
	cancels := make([]CancelFunc, 0, len(e.ops))
	for id, cancel := range e.ops {
		cancels = append(cancels, cancel)
		delete(e.ops, id)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		go cancel()
	}
}

// Registry holds connections and, per connection, the cancel handles of
// their active operations.
//
// Operation ids are client-chosen and only unique within their owning
// connection. A cancel handle never survives its operation: it is
// removed in the same critical section that decides to cancel it, so a
// stop racing a natural completion resolves to whichever side clears
// the mapping first, the other becoming a no-op.
//
// The zero value is not usable; call New.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*connEntry),
	}
}

// AddConnection starts tracking conn. Re-adding an id replaces the
// previous entry and cancels its operations.
func (r *Registry) AddConnection(conn Conn) {
	entry := &connEntry{
		conn: conn,
		ops:  make(map[string]CancelFunc),
	}

	r.mu.Lock()
	prev := r.conns[conn.ID()]
	r.conns[conn.ID()] = entry
	r.mu.Unlock()

	if prev != nil {
		prev.cancelAll()
	}
}

// RemoveConnection stops tracking the connection and cancels all of its
// operations. It reports whether the connection was tracked.
func (r *Registry) RemoveConnection(connID string) bool {
	r.mu.Lock()
	entry := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if entry == nil {
		return false
	}

	entry.cancelAll()
	return true
}

// AddOperation registers a cancel handle for an operation. If the
// connection is not tracked, the handle is cancelled immediately: no
// operation may outlive its connection's registry entry.
//
// Callers must cancel any prior operation with the same id first (see
// CancelOperation); if one is still present it is replaced and
// cancelled here as a backstop.
func (r *Registry) AddOperation(connID, opID string, cancel CancelFunc) {
	r.mu.RLock()
	entry := r.conns[connID]
	r.mu.RUnlock()

	if entry == nil {
		cancel()
		return
	}

	entry.mu.Lock()
	prev := entry.ops[opID]
	entry.ops[opID] = cancel
	entry.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// CancelOperation cancels and removes an operation's handle. It reports
// whether the operation was present; a second call for the same id is a
// no-op returning false.
func (r *Registry) CancelOperation(connID, opID string) bool {
	r.mu.RLock()
	entry := r.conns[connID]
	r.mu.RUnlock()

	if entry == nil {
		return false
	}

	entry.mu.Lock()
	cancel, ok := entry.ops[opID]
	delete(entry.ops, opID)
	entry.mu.Unlock()

	if !ok {
		return false
	}

	cancel()
	return true
}

// Active reports whether the operation currently holds a registered
// cancel handle.
func (r *Registry) Active(connID, opID string) bool {
	r.mu.RLock()
	entry := r.conns[connID]
	r.mu.RUnlock()

	if entry == nil {
		return false
	}

	entry.mu.Lock()
	_, ok := entry.ops[opID]
	entry.mu.Unlock()

	return ok
}

// Operations returns the number of active operations for a connection.
func (r *Registry) Operations(connID string) int {
	r.mu.RLock()
	entry := r.conns[connID]
	r.mu.RUnlock()

	if entry == nil {
		return 0
	}

	entry.mu.Lock()
	n := len(entry.ops)
	entry.mu.Unlock()

	return n
}

// Connections returns a snapshot of the tracked connections. Mutating
// the registry while iterating the snapshot is safe.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	r.mu.RUnlock()

	return conns
}
