package distribution

import (
	"sync"
	"sync/atomic"
)

// connSet is a set of connections guarded by its own lock
type connSet struct {
	conns map[string]*Connection
	mu    sync.RWMutex
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[string]*Connection)}
}

func (s *connSet) add(c *Connection) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
}

func (s *connSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

func (s *connSet) list() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *connSet) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Registry indexes live connections by ticker and by user. Each key has its
// own set and lock; there is no registry-wide mutex.
type Registry struct {
	tickers sync.Map // ticker -> *connSet
	users   sync.Map // user id -> *connSet
	count   atomic.Int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

func setFor(m *sync.Map, key string) *connSet {
	if s, ok := m.Load(key); ok {
		return s.(*connSet)
	}
	s, _ := m.LoadOrStore(key, newConnSet())
	return s.(*connSet)
}

// Add registers a connection under its user and current watch-list
func (r *Registry) Add(c *Connection) {
	setFor(&r.users, c.UserID).add(c)
	for _, t := range c.Watchlist() {
		setFor(&r.tickers, t).add(c)
	}
	r.count.Add(1)
}

// Remove drops a connection from every index. Unknown connections are ignored.
func (r *Registry) Remove(c *Connection) {
	s, ok := r.users.Load(c.UserID)
	if !ok || !s.(*connSet).remove(c.ID) {
		return
	}
	for _, t := range c.Watchlist() {
		if s, ok := r.tickers.Load(t); ok {
			s.(*connSet).remove(c.ID)
		}
	}
	r.count.Add(-1)
}

// SetWatchlist replaces a connection's tickers and moves it between ticker sets
func (r *Registry) SetWatchlist(c *Connection, tickers []string) {
	old := c.setWatchlist(tickers)

	keep := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		keep[t] = true
	}
	for _, t := range old {
		if keep[t] {
			continue
		}
		if s, ok := r.tickers.Load(t); ok {
			s.(*connSet).remove(c.ID)
		}
	}
	for _, t := range tickers {
		setFor(&r.tickers, t).add(c)
	}
}

// Watchers returns live connections following a ticker
func (r *Registry) Watchers(ticker string) []*Connection {
	if s, ok := r.tickers.Load(ticker); ok {
		return s.(*connSet).list()
	}
	return nil
}

// UserConnections returns a user's live connections
func (r *Registry) UserConnections(userID string) []*Connection {
	if s, ok := r.users.Load(userID); ok {
		return s.(*connSet).list()
	}
	return nil
}

// IsOnline reports whether the user has at least one live connection
func (r *Registry) IsOnline(userID string) bool {
	if s, ok := r.users.Load(userID); ok {
		return s.(*connSet).size() > 0
	}
	return false
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// All returns every live connection
func (r *Registry) All() []*Connection {
	var out []*Connection
	r.users.Range(func(_, v interface{}) bool {
		out = append(out, v.(*connSet).list()...)
		return true
	})
	return out
}
