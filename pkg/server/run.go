package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	// Sessions left open by a previous run that did not shut down cleanly.
	if s.store != nil {
		n, err := s.store.CloseStaleSessions(s.runID, model.ReasonShutdown, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("server: close stale sessions: %w", err)
		}
		if n > 0 {
			slog.Info("closed stale audit records", "count", n)
		}
	}

	if err := s.Start(); err != nil {
		s.Shutdown()
		return err
	}

	slog.Info("gorelay server running",
		"addr", s.cfg.Addr,
		"http", s.cfg.HTTPAddr,
		"websocket", s.cfg.WebSocket,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-s.ctx.Done():
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}
