package registry

import (
	"sync"

	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// Registry tracks every live connection and the identity it claimed.
// Entries exist only while the connection is attached; nothing persists.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection // connID -> Connection
	identities  map[string]types.Identity        // connID -> Identity, authenticated only
	byUser      map[string]map[string]struct{}   // userID -> connIDs
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		identities:  make(map[string]types.Identity),
		byUser:      make(map[string]map[string]struct{}),
	}
}

// Attach records a newly accepted connection. Attaching an id that is
// already present replaces the handle.
func (r *Registry) Attach(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.ID() == "" {
		return ErrEmptyConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	return nil
}

// Authenticate stores identity for connID, replacing any earlier one.
// It returns the previous identity, if there was one, so the caller can
// move the connection out of rooms it no longer belongs to.
func (r *Registry) Authenticate(connID string, identity types.Identity) (types.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, had := r.identities[connID]
	if had {
		r.unindexUser(previous.UserID, connID)
	}

	r.identities[connID] = identity
	if r.byUser[identity.UserID] == nil {
		r.byUser[identity.UserID] = make(map[string]struct{})
	}
	r.byUser[identity.UserID][connID] = struct{}{}

	return previous, had
}

// Lookup returns the identity claimed by connID
func (r *Registry) Lookup(connID string) (types.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[connID]
	return identity, ok
}

// Connection returns the handle for connID
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// ConnectionsForUser returns every attached connection authenticated as userID.
func (r *Registry) ConnectionsForUser(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []interfaces.Connection
	for connID := range r.byUser[userID] {
		if conn, ok := r.connections[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Forget drops connID and its identity. Idempotent.
func (r *Registry) Forget(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity, ok := r.identities[connID]; ok {
		r.unindexUser(identity.UserID, connID)
		delete(r.identities, connID)
	}
	delete(r.connections, connID)
}

// Count returns the number of attached connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats returns registry counts for logging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections":         len(r.connections),
		"authenticated_connections": len(r.identities),
		"distinct_users":            len(r.byUser),
	}
}

// unindexUser must be called with r.mu held
func (r *Registry) unindexUser(userID, connID string) {
	conns, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}
