// Package sqlite provides a SQLite-backed license store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"keymint/internal/license"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
  license_key     TEXT PRIMARY KEY,
  expiration      INTEGER NOT NULL,
  assigned_device TEXT
);
`

// Store persists licenses in SQLite. Per-key atomicity of BindOrCheck is a
// conditional UPDATE on the current assigned_device value, so concurrent
// binds on one key serialize inside the database while different keys do not
// contend beyond SQLite's own write lock.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite license store at path and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
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

// Create inserts one unassigned license row.
func (s *Store) Create(ctx context.Context, key string, expiration time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO licenses (license_key, expiration, assigned_device)
		 VALUES (?, ?, NULL)`,
		key,
		toMillis(expiration),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return license.ErrAlreadyExists
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// Get returns one license by key.
func (s *Store) Get(ctx context.Context, key string) (license.License, error) {
	if err := ctx.Err(); err != nil {
		return license.License{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT license_key, expiration, assigned_device
		   FROM licenses
		  WHERE license_key = ?`,
		key,
	)

	var lic license.License
	var expiration int64
	var device sql.NullString
	if err := row.Scan(&lic.Key, &expiration, &device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return license.License{}, license.ErrNotFound
		}
		return license.License{}, fmt.Errorf("get license: %w", err)
	}
	lic.Expiration = fromMillis(expiration)
	if device.Valid {
		lic.AssignedDevice = device.String
	}
	return lic, nil
}

// Delete removes one license row; absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM licenses WHERE license_key = ?`, key); err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	return nil
}

// BindOrCheck claims the license for deviceID with a conditional UPDATE. The
// WHERE clause only matches an unassigned row, so exactly one racing caller
// can win the first bind; losers fall through to comparing the stored value.
func (s *Store) BindOrCheck(ctx context.Context, key, deviceID string) (license.BindResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE licenses
		    SET assigned_device = ?
		  WHERE license_key = ? AND assigned_device IS NULL`,
		deviceID,
		key,
	)
	if err != nil {
		return 0, fmt.Errorf("bind license: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bind license: %w", err)
	}
	if affected == 1 {
		return license.Bound, nil
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT assigned_device FROM licenses WHERE license_key = ?`, key)
	var device sql.NullString
	if err := row.Scan(&device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, license.ErrNotFound
		}
		return 0, fmt.Errorf("check license binding: %w", err)
	}
	if device.Valid && device.String == deviceID {
		return license.AlreadyBoundSame, nil
	}
	return license.BoundToOther, nil
}

// DeleteExpired purges every license expired at now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM licenses WHERE expiration <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired licenses: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired licenses: %w", err)
	}
	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ license.Store = (*Store)(nil)
