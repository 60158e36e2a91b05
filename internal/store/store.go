// Package store implements the versioned key-value namespace store backing
// the asset gateway. Each namespace ("title") maps 1:1 to a collection row;
// creating a collection is the only operation that bumps the schema version,
// and it requires exclusive access to the whole store.
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
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
    k TEXT PRIMARY KEY,
    v TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
    name            TEXT PRIMARY KEY,
    created_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
    collection TEXT NOT NULL REFERENCES collections(name),
    key        TEXT NOT NULL,
    kind       INTEGER NOT NULL,
    mime       TEXT NOT NULL DEFAULT '',
    data       BLOB,
    updated_at DATETIME DEFAULT (datetime('now')),
    PRIMARY KEY (collection, key)
);

INSERT OR IGNORE INTO meta (k, v) VALUES ('schema_version', '1');
`

// versionRetries bounds automatic retry on a stale cached schema version.
const versionRetries = 2

// Store is a versioned key-value store over a single SQLite file. The cached
// schema version is an explicit field with instance lifetime; a fresh Open
// always starts with a cold cache.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	version int64 // 0 = not yet read
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("pinging store: %w", err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("migrating store: %w", err))
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for sidecar tables (audit log).
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the value at (namespace, key). A missing namespace and a
// missing key are both ErrNotFound.
func (s *Store) Get(ctx context.Context, namespace, key string) (Value, error) {
	ok, err := s.hasCollection(ctx, namespace)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return Value{}, fmt.Errorf("get %s/%s: %w", namespace, key, ErrNotFound)
	}

	var (
		kind int
		mime string
		data []byte
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, mime, data FROM entries WHERE collection = ? AND key = ?`,
		namespace, key)
	if err := row.Scan(&kind, &mime, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Value{}, fmt.Errorf("get %s/%s: %w", namespace, key, ErrNotFound)
		}
		return Value{}, classify(fmt.Errorf("get %s/%s: %w", namespace, key, err))
	}
	return Value{Kind: Kind(kind), MIME: mime, Data: data}, nil
}

// Exists reports whether (namespace, key) holds an entry.
func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, err := s.Get(ctx, namespace, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Put writes the value at (namespace, key), overwriting any previous entry.
// With ensure set, a missing namespace collection is created first via a
// schema version bump; without it, a missing namespace is ErrNotFound.
func (s *Store) Put(ctx context.Context, namespace, key string, v Value, ensure bool) error {
	ok, err := s.hasCollection(ctx, namespace)
	if err != nil {
		return err
	}
	if !ok {
		if !ensure {
			return fmt.Errorf("put %s/%s: %w", namespace, key, ErrNotFound)
		}
		if err := s.ensureCollection(ctx, namespace); err != nil {
			return fmt.Errorf("put %s/%s: %w", namespace, key, err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (collection, key, kind, mime, data, updated_at)
		 VALUES (?,?,?,?,?,datetime('now'))
		 ON CONFLICT(collection, key) DO UPDATE SET
		   kind = excluded.kind, mime = excluded.mime,
		   data = excluded.data, updated_at = excluded.updated_at`,
		namespace, key, int(v.Kind), v.MIME, v.Data)
	if err != nil {
		return classify(fmt.Errorf("put %s/%s: %w", namespace, key, err))
	}
	return nil
}

// GetJSON reads a structured record at (namespace, key) into out.
func (s *Store) GetJSON(ctx context.Context, namespace, key string, out any) error {
	v, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := v.DecodeJSON(out); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", namespace, key, err)
	}
	return nil
}

// PutJSON writes a structured record at (namespace, key).
func (s *Store) PutJSON(ctx context.Context, namespace, key string, in any, ensure bool) error {
	v, err := MarshalJSONValue(in)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return s.Put(ctx, namespace, key, v, ensure)
}

// Version returns the current schema version, reading it once and caching it
// for the lifetime of this Store.
func (s *Store) Version(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionLocked(ctx)
}

func (s *Store) versionLocked(ctx context.Context) (int64, error) {
	if s.version != 0 {
		return s.version, nil
	}
	v, err := s.readVersion(ctx, s.db)
	if err != nil {
		return 0, err
	}
	s.version = v
	return v, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) readVersion(ctx context.Context, q queryRower) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'schema_version'`).Scan(&v)
	if err != nil {
		return 0, classify(fmt.Errorf("reading schema version: %w", err))
	}
	return v, nil
}

func (s *Store) hasCollection(ctx context.Context, namespace string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM collections WHERE name = ?`, namespace).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, classify(err)
}

// ensureCollection creates the collection via a version-bump upgrade. A stale
// cached version is retried up to versionRetries times with a forced refresh;
// a blocked database fails fast with no retry at all.
func (s *Store) ensureCollection(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastCached, lastStored int64
	for attempt := 0; attempt <= versionRetries; attempt++ {
		cached, err := s.versionLocked(ctx)
		if err != nil {
			return err
		}
		stored, err := s.upgradeOnce(ctx, namespace, cached)
		if err == nil {
			s.version = cached + 1
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastCached, lastStored = cached, stored
		s.version = 0 // forced refresh on the next pass
		slog.Warn("schema version conflict, retrying",
			"namespace", namespace, "cached", cached, "stored", stored, "attempt", attempt)
	}
	return &VersionError{Cached: lastCached, Stored: lastStored}
}

// upgradeOnce performs one create-collection attempt against an expected
// version. Returns the stored version alongside ErrVersionConflict so the
// caller can report the divergence.
func (s *Store) upgradeOnce(ctx context.Context, namespace string, expect int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("opening upgrade tx: %w", err))
	}
	defer tx.Rollback()

	// IMMEDIATE lock up front: collection creation needs the whole store.
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET v = v WHERE k = 'schema_version'`); err != nil {
		return 0, classify(fmt.Errorf("locking store for upgrade: %w", err))
	}

	stored, err := s.readVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if stored != expect {
		return stored, ErrVersionConflict
	}

	next := stored + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (name, created_version) VALUES (?, ?)`,
		namespace, next); err != nil {
		return 0, classify(fmt.Errorf("creating collection %s: %w", namespace, err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE meta SET v = ? WHERE k = 'schema_version'`, fmt.Sprint(next)); err != nil {
		return 0, classify(fmt.Errorf("bumping schema version: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("%w: committing upgrade: %v", ErrTxAborted, err))
	}
	slog.Info("collection created", "namespace", namespace, "schema_version", next)
	return next, nil
}

// classify maps driver lock contention onto ErrBlocked. Everything else
// passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	return err
}
