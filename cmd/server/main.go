package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/server"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

func main() {
	defaults := server.DefaultConfig()

	configPath := flag.String("config", "", "YAML or TOML config file (chosen by extension)")
	addr := flag.String("addr", defaults.Addr, "TCP bind address for chat clients")
	httpAddr := flag.String("http", defaults.HTTPAddr, "HTTP bind address for /metrics, /healthz and /ws (empty to disable)")
	dbPath := flag.String("db", defaults.DBPath, "SQLite audit log path (empty for in-memory)")
	ws := flag.Bool("ws", defaults.WebSocket, "Accept WebSocket clients on /ws")
	announceLeave := flag.Bool("announce-leave", defaults.AnnounceLeave, "Broadcast a notice when a client logs out")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format: text or json")
	exportSessions := flag.Bool("export-sessions", false, "Export the session audit log as YAML and exit")
	openOnly := flag.Bool("open-only", false, "With -export-sessions, only sessions still open")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gorelay-server", version.Full())
		return
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Explicitly set flags win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "db":
			cfg.DBPath = *dbPath
		case "ws":
			cfg.WebSocket = *ws
		case "announce-leave":
			cfg.AnnounceLeave = *announceLeave
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export command (run and exit)
	if *exportSessions {
		if err := exportAndClose(st, os.Stdout, model.SessionFilters{OpenOnly: *openOnly}); err != nil {
			slog.Error("export sessions", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting gorelay", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// exportAndClose writes the audit log as YAML to w. The store is closed
// before returning, whatever the outcome.
func exportAndClose(st datastore.DataStore, w io.Writer, filters model.SessionFilters) (err error) {
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close database: %w", cerr)
		}
	}()
	data, err := server.ExportSessionsYAML(st, filters)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func openStore(path string) (datastore.DataStore, error) {
	if path == "" {
		return datastore.NewMemory(), nil
	}
	return datastore.New(path)
}
