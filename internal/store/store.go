// Package store builds the single shared SQLite handle every subsystem
// reads and writes through, and the handful of primitives (the process-wide
// now() SQL function, canonical JSON serialization) the rest of the core
// depends on.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3_reviewqueue"

var registerOnce sync.Once

// nowFunc backs the SQL now() UDF. Tests may swap it for a deterministic
// clock; production code leaves it at its default of time.Now in UTC.
var nowFunc = func() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

// SetNowFunc overrides the clock every connection's now() SQL function reads
// from. Intended for tests that need to observe relative orderings across
// mutations without sleeping; production callers should not need this.
func SetNowFunc(fn func() string) {
	nowFunc = fn
}

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("now", func() string {
					return nowFunc()
				}, false)
			},
		})
	})
}

// Open opens the shared store database at path, enabling WAL mode, a busy
// timeout, foreign keys, and immediate-transaction locking (so BEGIN
// acquires the writer lock up front — the Go equivalent of the original
// store's BEGIN IMMEDIATE, required for claim_next's race-free semantics).
func Open(path string) (*sql.DB, error) {
	registerDriver()

	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		path,
	)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// CanonicalJSON serializes v with keys sorted at every level, matching the
// store's contract that all stored or hashed payloads (outbox payloads,
// dead-letter error metadata, emitted events) are stable under equality and
// diffing. Go's encoding/json already sorts map[string]interface{} keys; for
// struct inputs this round-trips through a generic value so struct field
// order never leaks into the serialized form.
func CanonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical json marshal: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonical json normalize: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonical json re-marshal: %w", err)
	}
	return string(out), nil
}

// SortedKeys returns m's keys in ascending order, used anywhere a diagnostic
// or audit record needs a deterministic field order without going through
// full JSON re-serialization.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
