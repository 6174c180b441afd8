package pullpush

import "sync"

// FetcherInfo is the API representation of one fetcher session.
type FetcherInfo struct {
	FetcherID          string `json:"fetcherId"`
	Created            string `json:"created"`
	Name               string `json:"name"`
	URL                string `json:"url"`
	Dest               string `json:"dest"`
	Concurrency        int    `json:"concurrency"`
	WindowSize         int    `json:"windowSize"`
	SourcePlaylistType string `json:"sourcePlaylistType"`
}

// Registry is the concurrency-safe in-memory store of fetcher sessions.
// Registry operations are fast map accesses; streaming work never runs under
// its lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add stores a session under its ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session with the given ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// ActiveList prunes sessions that went inactive on their own (e.g. a source
// that drained to VOD) and returns info for the remaining ones.
func (r *Registry) ActiveList() []FetcherInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]FetcherInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		if !s.IsActive() {
			delete(r.sessions, id)
			continue
		}
		list = append(list, s.Info())
	}
	return list
}

// ActiveCount returns the number of sessions still active. Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.IsActive() {
			n++
		}
	}
	return n
}
