package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresPersister keeps test snapshots in PostgreSQL
type PostgresPersister struct {
	db *sql.DB
}

// NewPostgresPersister connects to PostgreSQL and creates the schema.
func NewPostgresPersister(config Config) (*PostgresPersister, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresPersister{db: db}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *PostgresPersister) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tests (
		id VARCHAR(255) PRIMARY KEY,
		sequence_number BIGINT NOT NULL,
		status VARCHAR(50) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		test JSONB NOT NULL,
		tasks JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);
	CREATE INDEX IF NOT EXISTS idx_tests_sequence ON tests(sequence_number);
	`
	_, err := p.db.Exec(schema)
	return err
}

// SaveTest upserts a snapshot.
func (p *PostgresPersister) SaveTest(ctx context.Context, snap Snapshot) error {
	testJSON, tasksJSON, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tests (id, sequence_number, status, priority, created_at, updated_at, test, tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at,
			test = EXCLUDED.test,
			tasks = EXCLUDED.tasks
	`, snap.Test.ID, snap.Test.SequenceNumber, string(snap.Test.Status), snap.Test.Priority,
		snap.Test.CreatedAt, time.Now().UTC(), string(testJSON), string(tasksJSON))
	if err != nil {
		return fmt.Errorf("failed to save test %s: %w", snap.Test.ID, err)
	}
	return nil
}

// LoadTests reads every snapshot ordered by creation sequence.
func (p *PostgresPersister) LoadTests(ctx context.Context) ([]Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT test, tasks FROM tests ORDER BY sequence_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tests: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// DeleteTest removes a snapshot.
func (p *PostgresPersister) DeleteTest(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete test %s: %w", id, err)
	}
	return nil
}

// HealthCheck verifies database connectivity
func (p *PostgresPersister) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Vacuum runs VACUUM ANALYZE on the tests table.
func (p *PostgresPersister) Vacuum(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "VACUUM ANALYZE tests")
	return err
}

// Close closes the database connection
func (p *PostgresPersister) Close() error {
	return p.db.Close()
}
