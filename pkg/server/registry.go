package server

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// Registry holds the registered sessions keyed by identity.
//
// Insert, Remove and Shutdown take the write lock. Broadcast iterates under
// the read lock, so it never observes a half-inserted or half-removed
// session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	closed   bool
	metrics  *Metrics
}

// SessionInfo describes one registered session.
type SessionInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *Metrics) *Registry {
	if m == nil {
		m = NewMetrics()
	}
	return &Registry{
		sessions: make(map[int64]*Session),
		metrics:  m,
	}
}

// Insert adds a registered session.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateIdentity, s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Remove detaches the session with the given identity. It reports whether
// a session was removed; removing an unknown identity is a no-op.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the session with the given identity, or nil.
func (r *Registry) Get(id int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Broadcast sends env to every registered session, the sender included,
// and returns how many sends succeeded. A failed send is logged and
// counted and does not stop delivery to the rest.
func (r *Registry) Broadcast(env protocol.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, s := range r.sessions {
		if err := s.conn.Send(env); err != nil {
			r.metrics.DeliveryFailures.Add(1)
			slog.Warn("broadcast send failed", "session", id, "user", s.username, "err", err)
			continue
		}
		delivered++
	}
	r.metrics.EnvelopesDelivered.Add(int64(delivered))
	return delivered
}

// Shutdown refuses further inserts, closes every registered connection
// and empties the registry. Safe to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	victims := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		victims = append(victims, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	// Closing may block on the peer, so it happens outside the lock.
	for _, s := range victims {
		s.kill(model.ReasonShutdown)
	}
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Reap removes sessions whose connection has failed a send and closes
// them. It returns the identities removed.
func (r *Registry) Reap() []int64 {
	r.mu.Lock()
	var (
		reaped  []int64
		victims []*Session
	)
	for id, s := range r.sessions {
		if !s.conn.Broken() {
			continue
		}
		delete(r.sessions, id)
		reaped = append(reaped, id)
		victims = append(victims, s)
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.kill(model.ReasonReaped)
	}
	if len(reaped) > 0 {
		r.metrics.ReapedSessions.Add(int64(len(reaped)))
		sort.Slice(reaped, func(i, j int) bool { return reaped[i] < reaped[j] })
	}
	return reaped
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by identity.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, SessionInfo{ID: s.id, Username: s.username})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
