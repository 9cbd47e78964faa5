package store

import (
	"context"
	"errors"
	"time"

	"github.com/chuckstables/fishtest/pkg/models"
)

// Snapshot is the persisted form of a test and its tasks.
type Snapshot struct {
	Test  models.Test   `json:"test"`
	Tasks []models.Task `json:"tasks"`
}

// Persister stores test snapshots so the coordinator can rebuild its state
// after a restart. Both SQLite and PostgreSQL implement this interface.
type Persister interface {
	SaveTest(ctx context.Context, snap Snapshot) error
	LoadTests(ctx context.Context) ([]Snapshot, error)
	DeleteTest(ctx context.Context, id string) error

	// Lifecycle
	HealthCheck() error
	Vacuum(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

var ErrUnsupportedDatabase = errors.New("unsupported database type")

// NewPersister creates a persister based on configuration
func NewPersister(config Config) (Persister, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresPersister(config)
	case "memory":
		return NewMemoryPersister(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "coordinator.db"
		}
		return NewSQLitePersister(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
