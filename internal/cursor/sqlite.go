package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/source"
)

const cursorName = "default"

// SQLiteStore keeps the cursor in a single row of an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (Cursor, error) {
	if s == nil || s.db == nil {
		return None(), errors.New("store is not initialized")
	}

	var lastID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM cursor WHERE name = ?`, cursorName).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return None(), nil
	}
	if err != nil {
		return None(), fmt.Errorf("load cursor: %w", err)
	}
	if !lastID.Valid {
		return None(), nil
	}

	id, err := source.ParseSnowflake(lastID.String)
	if err != nil {
		logging.Warn().Err(err).Msg("stored cursor is invalid, starting without cursor")
		return None(), nil
	}
	return At(id), nil
}

func (s *SQLiteStore) Save(ctx context.Context, c Cursor) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}

	var lastID sql.NullString
	if c.Set {
		lastID = sql.NullString{String: c.LastID.String(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursor (name, last_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_id = excluded.last_id,
			updated_at = excluded.updated_at
	`, cursorName, lastID, formatTime(time.Now()))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
