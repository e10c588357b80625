package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
)

// UserAccountStorage keeps per-user auxiliary data in one SQLite file per
// user: the password history and the per-store key/value area that stores
// use for their own bookkeeping. Handles are opened lazily and cached.
type UserAccountStorage struct {
	baseDir string

	mu      sync.Mutex
	handles map[string]*sql.DB
}

// NewUserAccountStorage creates the storage rooted at baseDir.
func NewUserAccountStorage(baseDir string) (*UserAccountStorage, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create account storage dir: %w", err)
	}
	return &UserAccountStorage{
		baseDir: baseDir,
		handles: make(map[string]*sql.DB),
	}, nil
}

// userDir spreads user directories over 4096 buckets using the last three
// characters of the user id, reversed.
func (u *UserAccountStorage) userDir(userID string) string {
	padded := userID
	for len(padded) < 3 {
		padded = "0" + padded
	}
	n := len(padded)
	return filepath.Join(u.baseDir,
		string(padded[n-1]), string(padded[n-2]), string(padded[n-3]), userID)
}

func (u *UserAccountStorage) handle(userID string) (*sql.DB, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if db, ok := u.handles[userID]; ok {
		return db, nil
	}

	dir := u.userDir(userID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create user dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "account.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, m := range []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS password_history (
			time REAL NOT NULL,
			password_hash TEXT NOT NULL,
			PRIMARY KEY (time)
		)`,
		`CREATE TABLE IF NOT EXISTS store_kv (
			store_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (store_id, key)
		)`,
	} {
		if _, err := db.Exec(m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("account db migration: %w", err)
		}
	}

	u.handles[userID] = db
	return db, nil
}

// AddPasswordHash records a password hash at the given time.
func (u *UserAccountStorage) AddPasswordHash(ctx context.Context, userID string, time float64, hash string) error {
	db, err := u.handle(userID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO password_history (time, password_hash) VALUES (?, ?)", time, hash)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errs.ItemAlreadyExists("passwordHash", map[string]any{"time": time})
	}
	return err
}

// PasswordHistory returns up to limit hashes, most recent first.
func (u *UserAccountStorage) PasswordHistory(ctx context.Context, userID string, limit int) ([]string, error) {
	db, err := u.handle(userID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT password_hash FROM password_history ORDER BY time DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// OldestPasswordTime returns the time of the oldest of the count most recent
// entries, or 0 when the history holds fewer entries.
func (u *UserAccountStorage) OldestPasswordTime(ctx context.Context, userID string, count int) (float64, error) {
	db, err := u.handle(userID)
	if err != nil {
		return 0, err
	}
	var t float64
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(time), 0) FROM (
			SELECT time FROM password_history ORDER BY time DESC LIMIT ?
		)`, count).Scan(&t)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return t, err
}

// SetKeyValue stores value under (storeID, key) for the user.
func (u *UserAccountStorage) SetKeyValue(ctx context.Context, userID, storeID, key, value string) error {
	db, err := u.handle(userID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO store_kv (store_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (store_id, key) DO UPDATE SET value = excluded.value`,
		storeID, key, value)
	return err
}

// GetKeyValue returns the value for (storeID, key), or "" and false.
func (u *UserAccountStorage) GetKeyValue(ctx context.Context, userID, storeID, key string) (string, bool, error) {
	db, err := u.handle(userID)
	if err != nil {
		return "", false, err
	}
	var v string
	err = db.QueryRowContext(ctx,
		"SELECT value FROM store_kv WHERE store_id = ? AND key = ?", storeID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// DeleteKeyValue removes (storeID, key). Missing keys are not an error.
func (u *UserAccountStorage) DeleteKeyValue(ctx context.Context, userID, storeID, key string) error {
	db, err := u.handle(userID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"DELETE FROM store_kv WHERE store_id = ? AND key = ?", storeID, key)
	return err
}

// DeleteUserData closes the handle and removes the user directory.
func (u *UserAccountStorage) DeleteUserData(userID string) error {
	u.mu.Lock()
	if db, ok := u.handles[userID]; ok {
		_ = db.Close()
		delete(u.handles, userID)
	}
	u.mu.Unlock()
	return os.RemoveAll(u.userDir(userID))
}

// Close closes every cached handle.
func (u *UserAccountStorage) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var firstErr error
	for id, db := range u.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(u.handles, id)
	}
	return firstErr
}
