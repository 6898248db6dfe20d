package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry remembers which MCP session each agent last called from,
// so run notifications reach the right client. An agent has at most one
// session; a session may carry several agents.
type SessionRegistry struct {
	mu        sync.RWMutex
	sessionOf map[string]string              // agent -> session
	agentsOf  map[string]map[string]struct{} // session -> agents
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessionOf: make(map[string]string),
		agentsOf:  make(map[string]map[string]struct{}),
	}
}

// Register binds agentID to sessionID. A reconnecting agent moves to the new
// session. Empty ids are ignored.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessionOf[agentID]; ok && prev != sessionID {
		r.unbind(prev, agentID)
	}
	r.sessionOf[agentID] = sessionID
	set := r.agentsOf[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.agentsOf[sessionID] = set
	}
	set[agentID] = struct{}{}
}

func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessionOf[agentID]
	return sid, ok
}

// AgentsOn lists the agents bound to sessionID, sorted.
func (r *SessionRegistry) AgentsOn(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agentsOf[sessionID]))
	for id := range r.agentsOf[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Remove forgets sessionID and every agent bound to it.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agentID := range r.agentsOf[sessionID] {
		delete(r.sessionOf, agentID)
	}
	delete(r.agentsOf, sessionID)
}

// Len reports the number of bound agents.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessionOf)
}

func (r *SessionRegistry) unbind(sessionID, agentID string) {
	set := r.agentsOf[sessionID]
	delete(set, agentID)
	if len(set) == 0 {
		delete(r.agentsOf, sessionID)
	}
}
