package server

import (
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// SessionYAML is one audit record in the YAML export.
type SessionYAML struct {
	Run            string `yaml:"run"`
	Identity       int64  `yaml:"identity"`
	Username       string `yaml:"username"`
	RemoteAddr     string `yaml:"remote_addr"`
	Transport      string `yaml:"transport"`
	ConnectedAt    string `yaml:"connected_at"`
	DisconnectedAt string `yaml:"disconnected_at,omitempty"`
	Reason         string `yaml:"reason,omitempty"`
}

// SessionsExport is the top-level YAML for the audit log export.
type SessionsExport struct {
	Sessions []SessionYAML `yaml:"sessions"`
}

// ExportSessionsYAML exports audit records matching filters as YAML,
// newest first.
func ExportSessionsYAML(st datastore.SessionReadProvider, filters model.SessionFilters) ([]byte, error) {
	records, err := st.ListSessions(filters)
	if err != nil {
		return nil, err
	}

	export := SessionsExport{Sessions: []SessionYAML{}}
	for _, r := range records {
		entry := SessionYAML{
			Run:         r.RunID,
			Identity:    r.Identity,
			Username:    r.Username,
			RemoteAddr:  r.RemoteAddr,
			Transport:   r.Transport,
			ConnectedAt: r.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Reason:      r.Reason.String(),
		}
		if !r.Open() {
			entry.DisconnectedAt = r.DisconnectedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		export.Sessions = append(export.Sessions, entry)
	}
	return yaml.Marshal(&export)
}
