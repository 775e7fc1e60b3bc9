package mcp

import "sync"

// SessionRegistry maps run IDs to MCP session IDs.
// Populated automatically when a session starts a run via run_brain.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // runID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a run with the session that started it.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[runID] = sessionID
}

// SessionFor returns the session ID subscribed to the run, if any.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[runID]
	return sid, ok
}

// Forget drops one run's mapping. Called after its terminal notification.
func (r *SessionRegistry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, runID)
}

// Remove deletes all run mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, rid)
		}
	}
}
