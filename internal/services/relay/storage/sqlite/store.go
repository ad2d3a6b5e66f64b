// Package sqlite provides a SQLite-backed pairing code store so issued codes
// survive relay restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	sqlitemigrate "github.com/skypiea/relay/internal/platform/storage/sqlitemigrate"
	"github.com/skypiea/relay/internal/services/relay/storage"
	"github.com/skypiea/relay/internal/services/relay/storage/sqlite/migrations"
)

// Store persists pairing codes in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutConnection inserts one pairing code.
func (s *Store) PutConnection(ctx context.Context, info storage.ConnectionInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	code := strings.TrimSpace(info.Code)
	token := strings.TrimSpace(info.Token)
	if code == "" {
		return fmt.Errorf("code is required")
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO connections (code, token, address, port, directory, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code,
		token,
		info.Address,
		info.Port,
		info.Directory,
		info.Note,
		toMillis(createdAt),
	)
	if err != nil {
		if isCodeUniqueViolation(err) {
			return storage.ErrCodeTaken
		}
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// GetConnection returns the pairing record for code.
func (s *Store) GetConnection(ctx context.Context, code string) (storage.ConnectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConnectionInfo{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ConnectionInfo{}, fmt.Errorf("storage is not configured")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return storage.ConnectionInfo{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT code, token, address, port, directory, note, created_at
		 FROM connections
		 WHERE code = ?`,
		code,
	)
	var info storage.ConnectionInfo
	var createdAt int64
	err := row.Scan(
		&info.Code,
		&info.Token,
		&info.Address,
		&info.Port,
		&info.Directory,
		&info.Note,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ConnectionInfo{}, storage.ErrNotFound
		}
		return storage.ConnectionInfo{}, fmt.Errorf("get connection: %w", err)
	}
	info.CreatedAt = fromMillis(createdAt)
	return info, nil
}

func isCodeUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "connections.code")
}

var _ storage.ConnectionStore = (*Store)(nil)
