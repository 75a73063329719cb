package datastore

import (
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// DataStore persists the session audit log.
// Implementations include the SQLite store and an in-memory store for tests.
type DataStore interface {
	SessionReadProvider
	SessionWriteProvider

	// Close closes the underlying storage connection.
	Close() error
}

// Compile-time checks.
var (
	_ DataStore = (*Store)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

type SessionReadProvider interface {
	// GetSession returns the record for (runID, identity), or (nil, nil) if absent.
	GetSession(runID string, identity int64) (*model.SessionRecord, error)
	// ListSessions returns records newest first.
	ListSessions(filters model.SessionFilters) ([]model.SessionRecord, error)
}

type SessionWriteProvider interface {
	// CreateSession stores an open record and sets its ID.
	CreateSession(rec *model.SessionRecord) error
	// CloseSession marks the record closed. Closing a record that is
	// already closed or absent is not an error.
	CloseSession(runID string, identity int64, reason model.DisconnectReason, at time.Time) error
	// CloseStaleSessions closes every open record that does not belong to
	// runID, returning how many were closed.
	CloseStaleSessions(runID string, reason model.DisconnectReason, at time.Time) (int64, error)
}
