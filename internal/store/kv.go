package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound indicates the key has no row in the local store.
var ErrNotFound = errors.New("store: key not found")

// Entry is one persisted key-value row.
type Entry struct {
	Key       string
	Value     string
	Sealed    bool
	UpdatedAt int64
}

// Get reads a key. Returns ErrNotFound when the key is absent.
func (db *DB) Get(key string) (*Entry, error) {
	var e Entry
	err := db.QueryRow(`SELECT key, value, sealed, updated_at FROM kv WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &e.Sealed, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Set inserts or replaces a key (idempotent on key).
func (db *DB) Set(key, value string, sealed bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO kv (key, value, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		key, value, sealed, now)
	return err
}

// Delete removes a key. Deleting an absent key is a no-op.
func (db *DB) Delete(key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}
