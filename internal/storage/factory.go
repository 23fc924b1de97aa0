package storage

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/fidde/agent_observability/internal/storage/dual"
	"github.com/fidde/agent_observability/internal/storage/file"
	"github.com/fidde/agent_observability/internal/storage/memory"
	"github.com/fidde/agent_observability/internal/storage/sqlite"
)

// Config holds storage configuration.
type Config struct {
	// Backend selects the row store: "memory", "sqlite" or "dual"
	// (memory primary, sqlite secondary)
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite and dual backends
	SQLitePath string `yaml:"sqlite_path"`

	// HistoryBackend selects where agent history is persisted: "file",
	// "sqlite" or "memory"
	HistoryBackend string `yaml:"history_backend"`

	// TelemetryFile is the history file for the file backend
	TelemetryFile string `yaml:"telemetry_file"`
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:        "memory",
		SQLitePath:     "agent_observability.db",
		HistoryBackend: "file",
		TelemetryFile:  file.DefaultPath,
	}
}

// Stores bundles the opened row and history stores.
type Stores struct {
	Points  PointStore
	History HistoryStore

	closers []func() error
}

// Close closes every opened backend once.
func (s *Stores) Close() error {
	var result *multierror.Error
	for _, c := range s.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}

// Open creates the stores described by cfg.
func Open(cfg Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stores := &Stores{}

	var sqliteStore *sqlite.Store
	openSQLite := func() (*sqlite.Store, error) {
		if sqliteStore != nil {
			return sqliteStore, nil
		}
		st, err := sqlite.New(sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("creating SQLite store: %w", err)
		}
		sqliteStore = st
		stores.closers = append(stores.closers, st.Close)
		return st, nil
	}

	fail := func(err error) (*Stores, error) {
		stores.Close()
		return nil, err
	}

	switch cfg.Backend {
	case "", "memory":
		logger.Info("using in-memory row storage")
		stores.Points = memory.New()

	case "sqlite":
		logger.Info("using SQLite row storage", "path", cfg.SQLitePath)
		st, err := openSQLite()
		if err != nil {
			return fail(err)
		}
		stores.Points = st

	case "dual":
		logger.Info("using dual row storage", "secondary", cfg.SQLitePath)
		st, err := openSQLite()
		if err != nil {
			return fail(err)
		}
		d := dual.New(dual.Config{Primary: memory.New(), Secondary: st, Logger: logger})
		// drain pending secondary writes before the sqlite store closes
		stores.closers = append([]func() error{d.Close}, stores.closers...)
		stores.Points = d

	default:
		return fail(fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, dual)", cfg.Backend))
	}

	switch cfg.HistoryBackend {
	case "", "file":
		st, err := file.New(cfg.TelemetryFile)
		if err != nil {
			return fail(err)
		}
		logger.Info("persisting agent history to file", "path", st.Path())
		stores.History = st

	case "sqlite":
		st, err := openSQLite()
		if err != nil {
			return fail(err)
		}
		stores.History = st

	case "memory":
		stores.History = memory.New()

	default:
		return fail(fmt.Errorf("unknown history backend: %s (supported: file, sqlite, memory)", cfg.HistoryBackend))
	}

	return stores, nil
}
