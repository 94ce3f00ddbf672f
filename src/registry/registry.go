package registry

import (
	"sync"
	"time"

	"github.com/lecoder-ai/mconnect/src/store"
)

// Client is the live record of a connected socket. The registry is the only
// writer; consumers get copies.
type Client struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"sessionId,omitempty"`
	ClientType    store.ClientType `json:"clientType"`
	Priority      store.Priority   `json:"priority"`
	ConnectedAt   time.Time        `json:"connectedAt"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
	UserAgent     string           `json:"userAgent,omitempty"`
}

// DefaultPriority is the starting priority for a client type: PC clients
// drive by default, mobile clients queue behind them.
func DefaultPriority(t store.ClientType) store.Priority {
	if t == store.ClientPC {
		return store.PriorityHigh
	}
	return store.PriorityNormal
}

// Registry tracks every connected client process-wide. Mutations are
// serialized; reads return snapshots.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers a client. The priority defaults from the client type.
func (r *Registry) Add(id string, t store.ClientType, userAgent string) *Client {
	now := time.Now()
	c := &Client{
		ID:            id,
		ClientType:    t,
		Priority:      DefaultPriority(t),
		ConnectedAt:   now,
		LastHeartbeat: now,
		UserAgent:     userAgent,
	}
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	return snapshot(c)
}

// Get returns a snapshot of the client, if present.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	return snapshot(c), true
}

// Remove drops the client. Unknown ids are a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Attach associates the client with a session. Returns false for unknown ids.
func (r *Registry) Attach(id, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.SessionID = sessionID
	return true
}

// Detach clears the client's session association.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.SessionID = ""
	}
}

// BySession snapshots all clients attached to the session.
func (r *Registry) BySession(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for _, c := range r.clients {
		if c.SessionID == sessionID {
			out = append(out, snapshot(c))
		}
	}
	return out
}

// All snapshots every connected client.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, snapshot(c))
	}
	return out
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Heartbeat stamps the client's last heartbeat to now.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.LastHeartbeat = time.Now()
	}
}

// SetPriority changes the client's priority.
func (r *Registry) SetPriority(id string, p store.Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.Priority = p
	}
}

// Stale snapshots clients whose last heartbeat is older than timeout.
func (r *Registry) Stale(timeout time.Duration) []*Client {
	cutoff := time.Now().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for _, c := range r.clients {
		if c.LastHeartbeat.Before(cutoff) {
			out = append(out, snapshot(c))
		}
	}
	return out
}

func snapshot(c *Client) *Client {
	cp := *c
	return &cp
}
