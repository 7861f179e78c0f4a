package gateway

import (
	"sync"
)

// Registry maps user identity to that user's live connections. It is
// mutated only by the connect/disconnect lifecycle, never by handlers, and
// its lifetime is owned by the server that created it.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Conn // userID -> connID -> conn
	byConn map[string]*Conn            // connID -> conn
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Conn),
		byConn: make(map[string]*Conn),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[c.UserID]
	if m == nil {
		m = make(map[string]*Conn)
		r.byUser[c.UserID] = m
	}
	m[c.ID] = c
	r.byConn[c.ID] = c
}

func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.byUser[c.UserID]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	delete(r.byConn, c.ID)
}

func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// ListByUser snapshots the user's live connections for broadcast.
func (r *Registry) ListByUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Drain snapshots every connection, for shutdown.
func (r *Registry) Drain() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}
