// ABOUTME: Registry of live WebSocket sessions grouped by user
// ABOUTME: Tracks first-connect and last-disconnect so presence flips once per user

package gateway

import "sync"

type sessionRegistry struct {
	mu     sync.Mutex
	byUser map[string]map[string]*session // userID -> sessionID -> session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byUser: make(map[string]map[string]*session)}
}

// add registers s and reports whether it is the user's first live session.
func (r *sessionRegistry) add(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[s.userID]
	if !ok {
		sessions = make(map[string]*session)
		r.byUser[s.userID] = sessions
	}
	sessions[s.id] = s
	return len(sessions) == 1
}

// remove unregisters s and reports whether it was the user's last live session.
// Removing an unknown session reports false.
func (r *sessionRegistry) remove(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[s.userID]
	if !ok {
		return false
	}
	if _, exists := sessions[s.id]; !exists {
		return false
	}
	delete(sessions, s.id)
	if len(sessions) == 0 {
		delete(r.byUser, s.userID)
		return true
	}
	return false
}

// count returns the number of live sessions for userID.
func (r *sessionRegistry) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// closeAll closes every session. Sessions remove themselves as they close.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	var all []*session
	for _, sessions := range r.byUser {
		for _, s := range sessions {
			all = append(all, s)
		}
	}
	r.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}
