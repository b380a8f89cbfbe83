// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package sqlite provides a file backed cache.Cache and cache.ClientStorage using SQLite.
// It is what the loopauth CLI uses to keep a session between invocations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loopauth/loopauth-go/apps/cache"
)

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.KeyLister     = (*Cache)(nil)
	_ cache.ClientStorage = (*Storage)(nil)
)

// DB is an open SQLite database holding both the token cache and the client storage tables.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Cache returns the token cache stored in d.
func (d *DB) Cache() *Cache {
	return &Cache{db: d}
}

// Storage returns the client storage stored in d.
func (d *DB) Storage() *Storage {
	return &Storage{db: d}
}

func initSchema(db *sql.DB) error {
	if err := initTable(db, "cache_entries", `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key         TEXT PRIMARY KEY,
			value       BLOB NOT NULL
		);`,
	); err != nil {
		return err
	}

	return initTable(db, "client_storage", `
		CREATE TABLE IF NOT EXISTS client_storage (
			key         TEXT PRIMARY KEY,
			value       BLOB NOT NULL,
			expires_at  INTEGER
		);`,
	)
}

func initTable(db *sql.DB, name string, stmt string) error {
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %w", name, err)
	}
	return nil
}

// Cache is a cache.Cache persisted in the cache_entries table.
type Cache struct {
	db *DB
}

// Get implements cache.Cache.Get().
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.db.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("sqlite cache: failed to get %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements cache.Cache.Set().
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.db.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite cache: failed to set %q: %w", key, err)
	}
	return nil
}

// Remove implements cache.Cache.Remove().
func (c *Cache) Remove(ctx context.Context, key string) error {
	if _, err := c.db.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite cache: failed to remove %q: %w", key, err)
	}
	return nil
}

// Clear implements cache.Cache.Clear().
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("sqlite cache: failed to clear: %w", err)
	}
	return nil
}

// AllKeys implements cache.KeyLister.AllKeys().
func (c *Cache) AllKeys(ctx context.Context) ([]string, error) {
	rows, err := c.db.db.QueryContext(ctx, `SELECT key FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite cache: failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Storage is a cache.ClientStorage persisted in the client_storage table.
type Storage struct {
	db *DB
}

// Get implements cache.ClientStorage.Get(). Expired rows are reported as missing.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.db.QueryRowContext(ctx, `SELECT value, expires_at FROM client_storage WHERE key = ?`, key).Scan(&value, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("sqlite storage: failed to get %q: %w", key, err)
	}
	if expiresAt.Valid && s.db.now().Unix() >= expiresAt.Int64 {
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements cache.ClientStorage.Set().
func (s *Storage) Set(ctx context.Context, key string, value []byte, opts cache.StorageOptions) error {
	var expiresAt sql.NullInt64
	if opts.DaysUntilExpire > 0 {
		expiresAt = sql.NullInt64{Int64: s.db.now().AddDate(0, 0, opts.DaysUntilExpire).Unix(), Valid: true}
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO client_storage (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite storage: failed to set %q: %w", key, err)
	}
	return nil
}

// Remove implements cache.ClientStorage.Remove().
func (s *Storage) Remove(ctx context.Context, key string, _ cache.StorageOptions) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM client_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite storage: failed to remove %q: %w", key, err)
	}
	return nil
}
