package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrIdentityInUse   = errors.New("client id already has a live session")
	ErrIdentityCooling = errors.New("client id is still draining")
)

// Registry tracks live sessions by client id. A released id stays reserved
// for a cool-down period so it is not handed to the gateway again while the
// previous session may still be tearing down on its side.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]*Session
	cooling  map[int]time.Time // client id -> cool-down expiry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int]*Session),
		cooling:  make(map[int]time.Time),
		now:      time.Now,
	}
}

// Register adds s. It fails without modifying the registry if the id is live
// or cooling down.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return ErrIdentityInUse
	}
	if until, ok := r.cooling[s.ID]; ok {
		if r.now().Before(until) {
			return ErrIdentityCooling
		}
	}
	r.sessions[s.ID] = s
	return nil
}

// Unregister removes id and keeps it reserved for cooldown. Unknown ids are a
// no-op.
func (r *Registry) Unregister(id int, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	if cooldown > 0 {
		r.cooling[id] = r.now().Add(cooldown)
	}
	r.pruneLocked()
}

// InUse reports whether id is registered or cooling down.
func (r *Registry) InUse(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[id]; ok {
		return true
	}
	until, ok := r.cooling[id]
	return ok && r.now().Before(until)
}

// Get returns the session registered under id.
func (r *Registry) Get(id int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Active returns registered sessions ordered by client id.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns current registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:    len(r.sessions),
		ByStatus: make(map[string]int),
	}
	for _, s := range r.sessions {
		stats.ByStatus[s.Status().String()]++
	}
	now := r.now()
	for _, until := range r.cooling {
		if now.Before(until) {
			stats.Cooling++
		}
	}
	return stats
}

// RegistryStats contains session registry statistics.
type RegistryStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Cooling  int            `json:"cooling"`
}

func (r *Registry) pruneLocked() {
	now := r.now()
	for id, until := range r.cooling {
		if !now.Before(until) {
			delete(r.cooling, id)
		}
	}
}
