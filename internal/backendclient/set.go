package backendclient

import "sync"

// Set is a thread-safe, mutable collection of per-backend clients,
// shared by the Health Monitor, Dispatcher and Event Hub so that adding
// or removing a backend at runtime (via the Admin API) takes effect in
// every consumer without restarting the process.
type Set struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewSet() *Set {
	return &Set{clients: make(map[string]*Client)}
}

func (s *Set) Put(c *Client) {
	s.mu.Lock()
	s.clients[c.Name()] = c
	s.mu.Unlock()
}

func (s *Set) Remove(name string) {
	s.mu.Lock()
	delete(s.clients, name)
	s.mu.Unlock()
}

func (s *Set) Get(name string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, ok
}

// Names returns the current backend names in no particular order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.clients))
	for name := range s.clients {
		out = append(out, name)
	}
	return out
}

// Snapshot returns a shallow copy of the name->client map, safe for the
// caller to range over without holding the Set's lock.
func (s *Set) Snapshot() map[string]*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Client, len(s.clients))
	for name, c := range s.clients {
		out[name] = c
	}
	return out
}
