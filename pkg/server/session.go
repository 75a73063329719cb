package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/transport"
)

// State is a session's lifecycle stage.
type State int32

const (
	StateConnecting State = iota // accepted, waiting for REGISTER
	StateRegistered              // REGISTER received, not yet relaying
	StateActive                  // inserted and running its receive loop
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is the server side of one client connection.
//
// The identity is fixed at accept time. The username is set once by the
// handshake. Only the session's own goroutine mutates it; the registry
// and the server may only kill it.
type Session struct {
	id          int64
	username    string
	conn        *transport.Connection
	transport   string
	remoteAddr  string
	connectedAt time.Time

	srv   *Server
	state atomic.Int32

	killReason atomic.Int32 // model.DisconnectReason set by kill, first wins
	closeOnce  sync.Once
	done       chan struct{}

	frameBuf []byte // receive loop scratch for the stamped size check
}

func newSession(srv *Server, id int64, conn *transport.Connection, transportName string) *Session {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:          id,
		conn:        conn,
		transport:   transportName,
		remoteAddr:  remote,
		connectedAt: time.Now().UTC(),
		srv:         srv,
		done:        make(chan struct{}),
	}
}

// ID returns the session's identity.
func (s *Session) ID() int64 { return s.id }

// Username returns the name declared in REGISTER, empty before the handshake.
func (s *Session) Username() string { return s.username }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Alive reports whether the session has not been closed.
func (s *Session) Alive() bool { return s.State() != StateClosed }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// handshake reads the first envelope, which must be a REGISTER carrying a
// valid username. timeout bounds the read; zero waits forever.
func (s *Session) handshake(timeout time.Duration) error {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()
	}

	env, err := s.conn.Receive()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailure, err)
	}
	if env.Type != protocol.TypeRegister {
		return fmt.Errorf("%w: first envelope is %s", ErrRegistrationFailure, env.Type)
	}
	name := strings.TrimSpace(env.Payload)
	if err := model.ValidateUsername(name); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailure, err)
	}

	s.username = name
	s.state.Store(int32(StateRegistered))
	return nil
}

// run is the receive loop. It returns after teardown.
func (s *Session) run() {
	s.state.Store(int32(StateActive))
	reason := s.receiveLoop()
	s.teardown(reason)
}

func (s *Session) receiveLoop() model.DisconnectReason {
	for {
		env, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrDecodeFailure) {
				s.srv.metrics.DecodeErrors.Add(1)
				slog.Warn("malformed frame", "session", s.id, "user", s.username, "err", err)
				return model.ReasonDecodeError
			}
			if !s.conn.Closed() {
				slog.Debug("session read failed", "session", s.id, "err", err)
			}
			return model.ReasonIOError
		}

		switch env.Type {
		case protocol.TypeChat:
			s.srv.metrics.ChatMessagesIn.Add(1)
			stamped := env.From(s.id, s.username)
			// The sender stamp grows the body; a chat that no longer fits
			// in one frame could not be delivered to anyone.
			buf, err := protocol.AppendFrame(s.frameBuf[:0], stamped)
			if err != nil {
				s.srv.metrics.DecodeErrors.Add(1)
				slog.Warn("chat too large to relay", "session", s.id, "user", s.username, "err", err)
				return model.ReasonDecodeError
			}
			s.frameBuf = buf
			n := s.srv.registry.Broadcast(stamped)
			slog.Debug("chat relayed", "session", s.id, "user", s.username, "bytes", len(env.Payload), "recipients", n)
		case protocol.TypeLogout:
			slog.Debug("logout", "session", s.id, "user", s.username)
			return model.ReasonLogout
		case protocol.TypeRegister:
			slog.Warn("ignoring REGISTER after registration", "session", s.id, "user", s.username)
		}
	}
}

// kill records why the session is ending and closes its connection, which
// unblocks the receive loop. It never blocks on the loop itself.
func (s *Session) kill(reason model.DisconnectReason) {
	s.killReason.CompareAndSwap(int32(model.ReasonNone), int32(reason))
	_ = s.conn.Close()
}

// teardown runs exactly once: close the connection, leave the registry,
// close the audit record.
func (s *Session) teardown(reason model.DisconnectReason) {
	s.closeOnce.Do(func() {
		if killed := model.DisconnectReason(s.killReason.Load()); killed != model.ReasonNone {
			reason = killed
		}
		_ = s.conn.Close()
		s.srv.registry.Remove(s.id)
		s.state.Store(int32(StateClosed))
		s.srv.metrics.TotalDisconnects.Add(1)

		if reason == model.ReasonLogout && s.srv.cfg.AnnounceLeave {
			notice := protocol.Chat(s.id, s.username+" has left").From(s.id, s.username)
			s.srv.registry.Broadcast(notice)
		}

		s.srv.closeAudit(s, reason)
		slog.Info("client disconnected", "session", s.id, "user", s.username, "reason", reason.String())
		close(s.done)
	})
}
