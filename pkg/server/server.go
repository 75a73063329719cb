// Package server implements the gorelay chat relay: the accept loop, the
// per-connection sessions and the registry that fans chat out to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/transport"
)

// ErrServerClosed is returned by Start and Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore // nil disables the audit log
}

// Server is the gorelay relay.
type Server struct {
	cfg      Config
	runID    string
	registry *Registry
	metrics  *Metrics
	store    datastore.DataStore
	promReg  *prometheus.Registry
	upgrader websocket.Upgrader

	nextID atomic.Int64 // next identity; identities are never reused

	mu        sync.Mutex // guards the fields below
	closed    bool
	listeners []net.Listener
	pending   map[*transport.Connection]struct{} // connections mid-handshake
	httpSrv   *http.Server
	httpLn    net.Listener
	wg        sync.WaitGroup // accept loops, receive loops, housekeeping

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMetrics()
	s := &Server{
		cfg:      cfg,
		runID:    uuid.NewString(),
		metrics:  m,
		registry: NewRegistry(m),
		store:    deps.Store,
		pending:  make(map[*transport.Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.promReg = newPromRegistry(m, s.registry.Count)
	return s
}

// RunID identifies this server process in the audit log.
func (s *Server) RunID() string { return s.runID }

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the address of the first chat listener, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// HTTPAddr returns the address of the HTTP listener, or nil if disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// track registers one goroutine with the shutdown wait group. It fails
// once Shutdown has begun so no goroutine starts after the final Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Start binds the chat listener and, if configured, the HTTP listener, then
// serves in the background. It returns once both are listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if !s.track() {
		_ = ln.Close()
		return ErrServerClosed
	}
	s.addListener(ln)
	go func() {
		defer s.wg.Done()
		if err := s.serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			slog.Error("accept loop stopped", "addr", ln.Addr().String(), "err", err)
		}
	}()
	slog.Info("relay listening", "addr", ln.Addr().String(), "run", s.runID)

	if s.cfg.HTTPAddr != "" {
		if err := s.startHTTP(); err != nil {
			return err
		}
	}

	s.startHousekeeping()
	if s.cfg.MetricsLogInterval > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.registry.Count, s.ctx.Done())
	}
	return nil
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track() {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.wg.Done()
	s.addListener(ln)
	return s.serve(ln)
}

func (s *Server) addListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Server) serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.accepting() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			slog.Error("accept error", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.handleConn(conn, model.TransportTCP)
	}
}

// handleConn runs the handshake on the calling goroutine, then hands the
// registered session its own receive loop.
func (s *Server) handleConn(stream transport.Stream, transportName string) {
	id := s.nextID.Add(1) - 1
	conn := transport.NewConnection(stream, s.cfg.WriteTimeout)
	sess := newSession(s, id, conn, transportName)
	s.metrics.TotalConnections.Add(1)
	slog.Debug("new connection", "session", id, "remote", sess.remoteAddr, "transport", transportName)

	if !s.setPending(conn, true) {
		_ = conn.Close()
		return
	}
	err := sess.handshake(s.cfg.HandshakeTimeout)
	s.setPending(conn, false)
	if err != nil {
		s.metrics.FailedRegs.Add(1)
		slog.Warn("handshake failed", "session", id, "remote", sess.remoteAddr, "err", err)
		sess.state.Store(int32(StateClosed))
		_ = conn.Close()
		return
	}

	if err := s.registry.Insert(sess); err != nil {
		slog.Debug("session not registered", "session", id, "err", err)
		sess.state.Store(int32(StateClosed))
		_ = conn.Close()
		return
	}
	s.metrics.SuccessfulRegs.Add(1)
	s.openAudit(sess)
	slog.Info("client registered", "session", id, "user", sess.username, "remote", sess.remoteAddr, "transport", transportName)

	if !s.track() {
		sess.kill(model.ReasonShutdown)
		sess.teardown(model.ReasonShutdown)
		return
	}
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

// setPending adds or removes a connection that is still handshaking, so
// Shutdown can close it. Adding fails once Shutdown has begun.
func (s *Server) setPending(c *transport.Connection, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.pending, c)
		return true
	}
	if s.closed {
		return false
	}
	s.pending[c] = struct{}{}
	return true
}

// startHousekeeping periodically drops sessions whose connection has
// failed a send.
func (s *Server) startHousekeeping() {
	interval := s.cfg.ReapInterval
	if interval <= 0 || !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if ids := s.registry.Reap(); len(ids) > 0 {
					slog.Info("reaped broken sessions", "sessions", ids)
				}
			}
		}
	}()
}

func (s *Server) openAudit(sess *Session) {
	if s.store == nil {
		return
	}
	rec := &model.SessionRecord{
		RunID:       s.runID,
		Identity:    sess.id,
		Username:    sess.username,
		RemoteAddr:  sess.remoteAddr,
		Transport:   sess.transport,
		ConnectedAt: sess.connectedAt,
	}
	if err := s.store.CreateSession(rec); err != nil {
		slog.Warn("audit: record session failed", "session", sess.id, "err", err)
	}
}

func (s *Server) closeAudit(sess *Session, reason model.DisconnectReason) {
	if s.store == nil {
		return
	}
	if err := s.store.CloseSession(s.runID, sess.id, reason, time.Now().UTC()); err != nil {
		slog.Warn("audit: close session failed", "session", sess.id, "err", err)
	}
}

// Shutdown stops accepting, closes every listener and registered
// connection, and waits for all session goroutines to exit. Safe to call
// concurrently and more than once; later callers block until the first
// has finished.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		listeners := s.listeners
		httpSrv := s.httpSrv
		pending := make([]*transport.Connection, 0, len(s.pending))
		for c := range s.pending {
			pending = append(pending, c)
		}
		s.mu.Unlock()

		s.cancel()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range pending {
			_ = c.Close()
		}
		if httpSrv != nil {
			_ = httpSrv.Close()
		}
		s.registry.Shutdown()
		s.wg.Wait()

		if s.store != nil {
			if err := s.store.Close(); err != nil {
				slog.Warn("close store failed", "err", err)
			}
		}
		slog.Info("relay stopped", "run", s.runID)
	})
}
