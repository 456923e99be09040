package whatsapp

import (
	"sort"
	"sync"
)

// Store holds the current session of every known tenant.
// Only the Manager writes to it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// Get returns the tenant's session, creating a disconnected record if absent.
func (s *Store) Get(tenantID string) Session {
	s.mu.RLock()
	sess, ok := s.sessions[tenantID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[tenantID]; ok {
		return sess
	}
	sess = newSession(tenantID)
	s.sessions[tenantID] = sess
	return sess
}

// Peek returns the tenant's session without creating one.
func (s *Store) Peek(tenantID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[tenantID]
	return sess, ok
}

func (s *Store) Put(sess Session) {
	s.mu.Lock()
	s.sessions[sess.TenantID] = sess
	s.mu.Unlock()
}

func (s *Store) Remove(tenantID string) {
	s.mu.Lock()
	delete(s.sessions, tenantID)
	s.mu.Unlock()
}

// List returns all sessions sorted by tenant id.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (s *Store) CountConnected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Connected() {
			n++
		}
	}
	return n
}

// guard is the set of tenants with an initialization attempt in flight.
type guard struct {
	mu      sync.Mutex
	tenants map[string]struct{}
}

func newGuard() *guard {
	return &guard{tenants: make(map[string]struct{})}
}

// TryAcquire adds the tenant and reports whether it was absent.
func (g *guard) TryAcquire(tenantID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tenants[tenantID]; ok {
		return false
	}
	g.tenants[tenantID] = struct{}{}
	return true
}

func (g *guard) Release(tenantID string) {
	g.mu.Lock()
	delete(g.tenants, tenantID)
	g.mu.Unlock()
}

func (g *guard) Held(tenantID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tenants[tenantID]
	return ok
}

// tenantLocks serializes mutations for a single tenant.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *tenantLocks) lock(tenantID string) func() {
	t.mu.Lock()
	l, ok := t.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[tenantID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}
