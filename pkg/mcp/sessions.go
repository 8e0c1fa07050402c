package mcp

import "sync"

type userKey struct {
	tenantID string
	userID   string
}

// SessionRegistry maps tenant users to MCP session IDs. It is populated
// when a user calls any tool that names an actor.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[userKey]string
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[userKey]string)}
}

// Register associates a user with a session, replacing any earlier one.
func (r *SessionRegistry) Register(tenantID, userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userKey{tenantID, userID}] = sessionID
}

// SessionFor returns the session of a connected user.
func (r *SessionRegistry) SessionFor(tenantID, userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userKey{tenantID, userID}]
	return sid, ok
}

// Remove forgets every user mapped to the session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, k)
		}
	}
}
