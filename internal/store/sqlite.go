// ABOUTME: SQLite implementation of the session ledger using modernc.org/sqlite
// ABOUTME: Creates its schema on open; timestamps are stored as fixed-width UTC text

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the ledger at path. Parent directories
// are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
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
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL DEFAULT '',
			agent_id     TEXT NOT NULL DEFAULT '',
			user_id      TEXT NOT NULL DEFAULT '',
			query        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			ended_at     TEXT,
			outcome      TEXT NOT NULL DEFAULT '',
			envelopes    INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession records a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UTC().Format(timeLayout)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, agent_id, user_id, query, created_at, ended_at, outcome, envelopes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.WorkspaceID, rec.AgentID, rec.UserID, rec.Query,
		rec.CreatedAt.UTC().Format(timeLayout), endedAt, rec.Outcome, rec.Envelopes)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// EndSession records the session's outcome once.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, endedAt time.Time, outcome string, envelopes int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, outcome = ?, envelopes = ?
		WHERE id = ? AND ended_at IS NULL
	`, endedAt.UTC().Format(timeLayout), outcome, envelopes, id)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Either already ended (no-op) or unknown.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, agent_id, user_id, query, created_at, ended_at, outcome, envelopes
		FROM sessions WHERE id = ?
	`, id)

	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, workspace_id, agent_id, user_id, query, created_at, ended_at, outcome, envelopes
		FROM sessions`
	var where []string
	var args []any
	if opts.ActiveOnly {
		where = append(where, "ended_at IS NULL")
	}
	if opts.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// PruneSessions deletes sessions that ended before the cutoff.
func (s *SQLiteStore) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
	`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt string
	var endedAt sql.NullString

	if err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.AgentID, &rec.UserID, &rec.Query,
		&createdAt, &endedAt, &rec.Outcome, &rec.Envelopes); err != nil {
		return nil, err
	}

	var err error
	rec.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(timeLayout, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	return &rec, nil
}
