package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chuckstables/fishtest/pkg/models"
)

// SQLitePersister keeps test snapshots in a SQLite database
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens (or creates) the database at dbPath.
func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	// WAL with a single writer connection; immediate transactions take the
	// write lock up front to avoid SQLITE_BUSY upgrades.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &SQLitePersister{db: db}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tests (
		id TEXT PRIMARY KEY,
		sequence_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		test TEXT NOT NULL,
		tasks TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);
	CREATE INDEX IF NOT EXISTS idx_tests_sequence ON tests(sequence_number);
	`
	_, err := p.db.Exec(schema)
	return err
}

// SaveTest writes or replaces a snapshot.
func (p *SQLitePersister) SaveTest(ctx context.Context, snap Snapshot) error {
	testJSON, tasksJSON, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tests
		(id, sequence_number, status, priority, created_at, updated_at, test, tasks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.Test.ID, snap.Test.SequenceNumber, string(snap.Test.Status), snap.Test.Priority,
		snap.Test.CreatedAt, time.Now().UTC(), string(testJSON), string(tasksJSON))
	if err != nil {
		return fmt.Errorf("failed to save test %s: %w", snap.Test.ID, err)
	}
	return nil
}

// LoadTests reads every snapshot ordered by creation sequence.
func (p *SQLitePersister) LoadTests(ctx context.Context) ([]Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT test, tasks FROM tests ORDER BY sequence_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tests: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// DeleteTest removes a snapshot. Deleting a missing id is not an error.
func (p *SQLitePersister) DeleteTest(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete test %s: %w", id, err)
	}
	return nil
}

// HealthCheck verifies database connectivity
func (p *SQLitePersister) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Vacuum reclaims space left by deleted snapshots.
func (p *SQLitePersister) Vacuum(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close closes the database connection
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func marshalSnapshot(snap Snapshot) ([]byte, []byte, error) {
	testJSON, err := json.Marshal(snap.Test)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal test: %w", err)
	}
	tasks := snap.Tasks
	if tasks == nil {
		tasks = []models.Task{}
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}
	return testJSON, tasksJSON, nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		var testJSON, tasksJSON []byte
		if err := rows.Scan(&testJSON, &tasksJSON); err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal(testJSON, &snap.Test); err != nil {
			return nil, fmt.Errorf("failed to unmarshal test: %w", err)
		}
		if err := json.Unmarshal(tasksJSON, &snap.Tasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tasks of %s: %w", snap.Test.ID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
