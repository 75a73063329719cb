package model

import "time"

// Transport names recorded in SessionRecord.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// SessionRecord is the audit entry for one registered session.
// No message content is ever recorded.
type SessionRecord struct {
	ID             int64            `json:"id"`
	RunID          string           `json:"run_id"`   // server process run; identities restart each run
	Identity       int64            `json:"identity"` // registry identity within the run
	Username       string           `json:"username"`
	RemoteAddr     string           `json:"remote_addr"`
	Transport      string           `json:"transport"`
	ConnectedAt    time.Time        `json:"connected_at"`
	DisconnectedAt time.Time        `json:"disconnected_at"` // zero while open
	Reason         DisconnectReason `json:"reason"`
}

// Open reports whether the session has not been closed yet.
func (r *SessionRecord) Open() bool {
	return r.DisconnectedAt.IsZero()
}

// SessionFilters narrows ListSessions. Nil fields are ignored.
type SessionFilters struct {
	RunID    *string
	Username *string
	OpenOnly bool
	PageSize *int64
	Offset   *int64
}
