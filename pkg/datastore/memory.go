package datastore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// MemoryStore is an in-memory DataStore for tests and for running without
// a database file. It mirrors the SQLite store's validation.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byKey  map[sessionKey]*model.SessionRecord
}

type sessionKey struct {
	runID    string
	identity int64
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		byKey:  make(map[sessionKey]*model.SessionRecord),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateSession stores a copy of rec.
func (s *MemoryStore) CreateSession(rec *model.SessionRecord) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = time.Now().UTC()
	}
	if rec.Transport == "" {
		rec.Transport = model.TransportTCP
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{rec.RunID, rec.Identity}
	if _, exists := s.byKey[key]; exists {
		return fmt.Errorf("datastore: create session: duplicate identity %d in run %s", rec.Identity, rec.RunID)
	}
	rec.ID = s.nextID
	s.nextID++
	stored := *rec
	s.byKey[key] = &stored
	return nil
}

// CloseSession marks an open record closed.
func (s *MemoryStore) CloseSession(runID string, identity int64, reason model.DisconnectReason, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byKey[sessionKey{runID, identity}]; ok && rec.Open() {
		rec.DisconnectedAt = at.UTC()
		rec.Reason = reason
	}
	return nil
}

// CloseStaleSessions closes open records from other runs.
func (s *MemoryStore) CloseStaleSessions(runID string, reason model.DisconnectReason, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.byKey {
		if key.runID != runID && rec.Open() {
			rec.DisconnectedAt = at.UTC()
			rec.Reason = reason
			n++
		}
	}
	return n, nil
}

// GetSession returns a copy of the record, or (nil, nil).
func (s *MemoryStore) GetSession(runID string, identity int64) (*model.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byKey[sessionKey{runID, identity}]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// ListSessions returns matching records newest first.
func (s *MemoryStore) ListSessions(filters model.SessionFilters) ([]model.SessionRecord, error) {
	s.mu.RLock()
	var matched []model.SessionRecord
	for _, rec := range s.byKey {
		if filters.RunID != nil && rec.RunID != *filters.RunID {
			continue
		}
		if filters.Username != nil && rec.Username != *filters.Username {
			continue
		}
		if filters.OpenOnly && !rec.Open() {
			continue
		}
		matched = append(matched, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	offset := int64(0)
	if filters.Offset != nil {
		offset = *filters.Offset
	}
	limit := int64(100)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}
	if offset >= int64(len(matched)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(matched)) {
		end = int64(len(matched))
	}
	return matched[offset:end], nil
}
