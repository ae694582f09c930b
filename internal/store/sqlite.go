// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists pending guided setups with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_setups (
			scope      TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			setup_json BLOB NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (scope, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_pending_setups_scope_created
			ON pending_setups(scope, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SavePendingSetup inserts or replaces a pending setup. CreatedAt is kept
// from the existing row when replacing.
func (s *SQLiteStore) SavePendingSetup(ctx context.Context, p *PendingSetup) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_setups (scope, agent_id, agent_name, setup_json, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, agent_id) DO UPDATE SET
			agent_name = excluded.agent_name,
			setup_json = excluded.setup_json,
			attempts   = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, p.Scope, p.AgentID, p.AgentName, p.Setup, p.Attempts, p.LastError, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving pending setup: %w", err)
	}
	return nil
}

// GetPendingSetup returns the pending setup for (scope, agentID).
func (s *SQLiteStore) GetPendingSetup(ctx context.Context, scope, agentID string) (*PendingSetup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope, agent_id, agent_name, setup_json, attempts, last_error, created_at, updated_at
		FROM pending_setups WHERE scope = ? AND agent_id = ?
	`, scope, agentID)

	p, err := scanPendingSetup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending setup: %w", err)
	}
	return p, nil
}

// ListPendingSetups returns every pending setup for scope, oldest first.
func (s *SQLiteStore) ListPendingSetups(ctx context.Context, scope string) ([]*PendingSetup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, agent_id, agent_name, setup_json, attempts, last_error, created_at, updated_at
		FROM pending_setups WHERE scope = ?
		ORDER BY created_at ASC, agent_id ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("querying pending setups: %w", err)
	}
	defer rows.Close()

	var out []*PendingSetup
	for rows.Next() {
		p, err := scanPendingSetup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending setup: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending setups: %w", err)
	}
	return out, nil
}

// DeletePendingSetup removes the pending setup for (scope, agentID).
func (s *SQLiteStore) DeletePendingSetup(ctx context.Context, scope, agentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_setups WHERE scope = ? AND agent_id = ?`, scope, agentID)
	if err != nil {
		return fmt.Errorf("deleting pending setup: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSetupAttempt bumps the attempt counter and stores the last error.
func (s *SQLiteStore) RecordSetupAttempt(ctx context.Context, scope, agentID, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_setups SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE scope = ? AND agent_id = ?
	`, errMsg, time.Now().UTC(), scope, agentID)
	if err != nil {
		return fmt.Errorf("recording setup attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPendingSetup(row scanner) (*PendingSetup, error) {
	var p PendingSetup
	if err := row.Scan(&p.Scope, &p.AgentID, &p.AgentName, &p.Setup, &p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

var _ Store = (*SQLiteStore)(nil)
