package chat

import "sync"

// Registry indexes local connections. The Redis session registry is
// the cluster-wide truth; this map only answers "which sockets on this
// node belong to user X" during fan-out.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Client // userID -> connID -> client
	byConn map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Client),
		byConn: make(map[string]*Client),
	}
}

// Add indexes an unauthenticated connection by conn id only.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.ConnID] = c
}

// Bind adds the user index after auth.
func (r *Registry) Bind(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[c.UserID()]
	if m == nil {
		m = make(map[string]*Client)
		r.byUser[c.UserID()] = m
	}
	m[c.ConnID] = c
}

func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uid := c.UserID(); uid != "" {
		if m := r.byUser[uid]; m != nil {
			delete(m, c.ConnID)
			if len(m) == 0 {
				delete(r.byUser, uid)
			}
		}
	}
	delete(r.byConn, c.ConnID)
}

func (r *Registry) GetByConnID(connID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

func (r *Registry) ListByUser(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// ListByUsers aggregates connections for a target set in one lock.
func (r *Registry) ListByUsers(userIDs []string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for _, uid := range userIDs {
		for _, c := range r.byUser[uid] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
