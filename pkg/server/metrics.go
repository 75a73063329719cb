package server

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections     atomic.Int64 // lifetime connections accepted (tcp + ws)
	WebSocketConnections atomic.Int64 // lifetime connections upgraded from /ws
	SuccessfulRegs       atomic.Int64 // handshakes that produced a session
	FailedRegs           atomic.Int64 // handshakes that failed
	TotalDisconnects     atomic.Int64 // registered sessions torn down
	ReapedSessions       atomic.Int64 // sessions removed by the reaper

	// Relay counters
	ChatMessagesIn     atomic.Int64 // CHAT envelopes received from sessions
	EnvelopesDelivered atomic.Int64 // successful per-recipient sends
	DeliveryFailures   atomic.Int64 // failed per-recipient sends
	DecodeErrors       atomic.Int64 // sessions ended by a malformed frame
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TotalConnections     int64 `json:"total_connections"`
	WebSocketConnections int64 `json:"websocket_connections"`
	SuccessfulRegs       int64 `json:"successful_registrations"`
	FailedRegs           int64 `json:"failed_registrations"`
	TotalDisconnects     int64 `json:"total_disconnects"`
	ReapedSessions       int64 `json:"reaped_sessions"`

	ChatMessagesIn     int64 `json:"chat_messages_in"`
	EnvelopesDelivered int64 `json:"envelopes_delivered"`
	DeliveryFailures   int64 `json:"delivery_failures"`
	DecodeErrors       int64 `json:"decode_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		TotalConnections:     m.TotalConnections.Load(),
		WebSocketConnections: m.WebSocketConnections.Load(),
		SuccessfulRegs:       m.SuccessfulRegs.Load(),
		FailedRegs:           m.FailedRegs.Load(),
		TotalDisconnects:     m.TotalDisconnects.Load(),
		ReapedSessions:       m.ReapedSessions.Load(),
		ChatMessagesIn:       m.ChatMessagesIn.Load(),
		EnvelopesDelivered:   m.EnvelopesDelivered.Load(),
		DeliveryFailures:     m.DeliveryFailures.Load(),
		DecodeErrors:         m.DecodeErrors.Load(),
	}
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(active int) {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"sessions", active,
		"total_connections", s.TotalConnections,
		"chat_in", s.ChatMessagesIn,
		"delivered", s.EnvelopesDelivered,
		"delivery_failures", s.DeliveryFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, active func() int, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(active())
			}
		}
	}()
}

// Collectors returns Prometheus collectors that read the counters on scrape.
// active reports the current number of registered sessions.
func (m *Metrics) Collectors(active func() int) []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gorelay",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gorelay",
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gorelay",
			Name:      "sessions_active",
			Help:      "Currently registered sessions.",
		}, func() float64 { return float64(active()) }),

		counter("connections_total", "Lifetime connections accepted.", &m.TotalConnections),
		counter("websocket_connections_total", "Lifetime connections upgraded from /ws.", &m.WebSocketConnections),
		counter("registrations_total", "Handshakes that produced a session.", &m.SuccessfulRegs),
		counter("registrations_failed_total", "Handshakes that failed.", &m.FailedRegs),
		counter("disconnects_total", "Registered sessions torn down.", &m.TotalDisconnects),
		counter("reaped_sessions_total", "Sessions removed by the reaper.", &m.ReapedSessions),
		counter("chat_messages_total", "Chat envelopes received from sessions.", &m.ChatMessagesIn),
		counter("deliveries_total", "Envelopes delivered to recipients.", &m.EnvelopesDelivered),
		counter("delivery_failures_total", "Failed per-recipient sends.", &m.DeliveryFailures),
		counter("decode_errors_total", "Sessions ended by a malformed frame.", &m.DecodeErrors),
	}
}

// newPromRegistry builds the per-server registry exposed on /metrics.
func newPromRegistry(m *Metrics, active func() int) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(m.Collectors(active)...)
	return reg
}
