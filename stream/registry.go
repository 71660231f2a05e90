package stream

import "sync"

// Registry is the process-wide table of live sessions.
//
// Entries are created by Begin when a query is accepted and removed when the
// session terminates, whichever way that happens. Each owner (a WebSocket
// connection, or an HTTP client that sends X-Stream-Owner) has at most one
// current session; beginning a new one supersedes the previous session.
// Only the registry touches its maps.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	owners   map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		owners:   make(map[string]*Session),
	}
}

// Begin registers s as the current session of its owner and cancels the
// session it replaces. The superseded session is fully torn down before
// Begin returns.
func (r *Registry) Begin(s *Session) {
	r.mu.Lock()
	s.registry = r
	prev := r.owners[s.Owner]
	r.owners[s.Owner] = s
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		prev.Cancel(ReasonSuperseded)
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	if r.owners[s.Owner] == s {
		delete(r.owners, s.Owner)
	}
}

// Get returns a live session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Current returns the live session of an owner.
func (r *Registry) Current(owner string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.owners[owner]
	return s, ok
}

// CancelOwner cancels the owner's current session, if any.
func (r *Registry) CancelOwner(owner string, reason Reason) bool {
	r.mu.Lock()
	s := r.owners[owner]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Cancel(reason)
}

// CancelAll cancels every live session. Used on shutdown.
func (r *Registry) CancelAll(reason Reason) int {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range snapshot {
		if s.Cancel(reason) {
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
