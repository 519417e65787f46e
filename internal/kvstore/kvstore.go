// Package kvstore is the core's sole persistence layer: a generic
// key/value table backing every other component. It follows the
// reference store's writer/reader connection split and migration
// runner, generalized from a set of typed tables to one polymorphic
// record shape.
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/allaspectsdev/mailcore/internal/coreerr"
)

// Record is one stored KV entry.
type Record struct {
	Key     string
	Value   []byte
	Version string
	Kind    string
	TS      int64 // unix millis
}

// Store provides a SQLite-backed key/value store with a writer/reader
// connection split: a single-connection writer serializes all mutations,
// a pooled read-only reader serves concurrent reads.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	path   string

	appVersion string

	closeOnce sync.Once

	keysMu   sync.RWMutex
	keys     map[string]struct{}
	keysFull bool // true once the in-memory key set has been fully populated
}

// Open creates or opens the KV store at path. appVersion is recorded on
// every write (used by InvalidateOlderThan).
func Open(path, appVersion string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kvstore: create directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("kvstore: ping writer: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("kvstore: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(0)

	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("kvstore: ping reader: %w", err)
	}

	s := &Store{
		writer:     writer,
		reader:     reader,
		path:       path,
		appVersion: appVersion,
		keys:       make(map[string]struct{}),
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("kvstore: migrate: %w", err)
	}

	return s, nil
}

// Close closes both connections. Safe to call multiple times.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if s.writer != nil {
			if err := s.writer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if s.reader != nil {
			if err := s.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string {
	return s.path
}

func nowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// Get returns the records present among keys. Missing keys are simply
// absent from the result — callers supply their own defaults.
func (s *Store) Get(ctx context.Context, keys []string) (map[string]Record, error) {
	if len(keys) == 0 {
		return map[string]Record{}, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := fmt.Sprintf("SELECT key, value, version, kind, ts FROM kv_records WHERE key IN (%s)", joinPlaceholders(placeholders))

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w: %w", coreerr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string]Record, len(keys))
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.Version, &r.Kind, &r.TS); err != nil {
			return nil, fmt.Errorf("kvstore: get scan: %w: %w", coreerr.ErrStorage, err)
		}
		out[r.Key] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: get rows: %w: %w", coreerr.ErrStorage, err)
	}
	return out, nil
}

// GetOne is a convenience wrapper around Get for a single key.
func (s *Store) GetOne(ctx context.Context, key string) (Record, bool, error) {
	m, err := s.Get(ctx, []string{key})
	if err != nil {
		return Record{}, false, err
	}
	r, ok := m[key]
	return r, ok, nil
}

// Set inserts or overwrites values, recording appVersion and the current
// time. The batch is applied inside a single transaction so it is atomic.
func (s *Store) Set(ctx context.Context, values map[string][]byte, kind string) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: set begin: %w: %w", coreerr.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	ts := nowMs()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kv_records (key, value, version, kind, ts) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = excluded.version, kind = excluded.kind, ts = excluded.ts
	`)
	if err != nil {
		return fmt.Errorf("kvstore: set prepare: %w: %w", coreerr.ErrStorage, err)
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v, s.appVersion, kind, ts); err != nil {
			return fmt.Errorf("kvstore: set exec: %w: %w", coreerr.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: set commit: %w: %w", coreerr.ErrStorage, err)
	}

	s.keysMu.Lock()
	for k := range values {
		s.keys[k] = struct{}{}
	}
	s.keysMu.Unlock()

	return nil
}

// SetOne is a convenience wrapper around Set for a single key.
func (s *Store) SetOne(ctx context.Context, key string, value []byte, kind string) error {
	return s.Set(ctx, map[string][]byte{key: value}, kind)
}

// Remove deletes the given keys, if present.
func (s *Store) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := fmt.Sprintf("DELETE FROM kv_records WHERE key IN (%s)", joinPlaceholders(placeholders))
	if _, err := s.writer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("kvstore: remove: %w: %w", coreerr.ErrStorage, err)
	}

	s.keysMu.Lock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	s.keysMu.Unlock()

	return nil
}

// Clear deletes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, "DELETE FROM kv_records"); err != nil {
		return fmt.Errorf("kvstore: clear: %w: %w", coreerr.ErrStorage, err)
	}
	s.keysMu.Lock()
	s.keys = make(map[string]struct{})
	s.keysFull = true
	s.keysMu.Unlock()
	return nil
}

// GetAll returns every record in the store.
func (s *Store) GetAll(ctx context.Context) (map[string]Record, error) {
	rows, err := s.reader.QueryContext(ctx, "SELECT key, value, version, kind, ts FROM kv_records")
	if err != nil {
		return nil, fmt.Errorf("kvstore: get all: %w: %w", coreerr.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	keys := make(map[string]struct{})
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.Version, &r.Kind, &r.TS); err != nil {
			return nil, fmt.Errorf("kvstore: get all scan: %w: %w", coreerr.ErrStorage, err)
		}
		out[r.Key] = r
		keys[r.Key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: get all rows: %w: %w", coreerr.ErrStorage, err)
	}

	s.keysMu.Lock()
	s.keys = keys
	s.keysFull = true
	s.keysMu.Unlock()

	return out, nil
}

// GetAllKeys returns the complete key set, populating the in-memory
// mirror from storage on first call.
func (s *Store) GetAllKeys(ctx context.Context) ([]string, error) {
	s.keysMu.RLock()
	full := s.keysFull
	s.keysMu.RUnlock()

	if !full {
		if _, err := s.GetAll(ctx); err != nil {
			return nil, err
		}
	}

	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

// KeysWithPrefix returns the subset of the in-memory key mirror matching
// any of the given prefixes, populating the mirror first if needed.
func (s *Store) KeysWithPrefix(ctx context.Context, prefixes []string) ([]string, error) {
	all, err := s.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		for _, p := range prefixes {
			if hasPrefix(k, p) {
				out = append(out, k)
				break
			}
		}
	}
	return out, nil
}

// Touch refreshes ts for keys that already exist. Never creates a record.
func (s *Store) Touch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, nowMs())
	for i, k := range keys {
		placeholders[i] = "?"
		args = append(args, k)
	}
	query := fmt.Sprintf("UPDATE kv_records SET ts = ? WHERE key IN (%s)", joinPlaceholders(placeholders))
	if _, err := s.writer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("kvstore: touch: %w: %w", coreerr.ErrStorage, err)
	}
	return nil
}

// PurgeOlderThanByPrefixes deletes every record whose key begins with one
// of prefixes and whose ts is older than cutoffMs (or missing/invalid).
// Returns the number of rows removed.
func (s *Store) PurgeOlderThanByPrefixes(ctx context.Context, prefixes []string, cutoffMs int64) (int64, error) {
	keys, err := s.KeysWithPrefix(ctx, prefixes)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	all, err := s.Get(ctx, keys)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, k := range keys {
		r, ok := all[k]
		if !ok || r.TS <= 0 || r.TS < cutoffMs {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.Remove(ctx, stale); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}

// InvalidateOlderThan deletes every record whose version lexicographically
// precedes minVersion.
func (s *Store) InvalidateOlderThan(ctx context.Context, minVersion string) (int64, error) {
	res, err := s.writer.ExecContext(ctx, "DELETE FROM kv_records WHERE version < ?", minVersion)
	if err != nil {
		return 0, fmt.Errorf("kvstore: invalidate older than: %w: %w", coreerr.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("kvstore: invalidate rows affected: %w: %w", coreerr.ErrStorage, err)
	}
	if n > 0 {
		s.keysMu.Lock()
		s.keysFull = false
		s.keysMu.Unlock()
	}
	return n, nil
}

// UsageEstimate is a best-effort storage footprint report.
type UsageEstimate struct {
	UsedBytes  int64
	QuotaBytes int64
}

// EstimateUsage returns a best-effort usage figure derived from the
// database file size and SQLite's page-count pragmas.
func (s *Store) EstimateUsage(ctx context.Context) (UsageEstimate, error) {
	if fi, err := os.Stat(s.path); err == nil {
		return UsageEstimate{UsedBytes: fi.Size(), QuotaBytes: 0}, nil
	}
	var pageCount, pageSize int64
	if err := s.reader.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return UsageEstimate{}, fmt.Errorf("kvstore: estimate usage: %w: %w", coreerr.ErrStorage, err)
	}
	if err := s.reader.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return UsageEstimate{}, fmt.Errorf("kvstore: estimate usage: %w: %w", coreerr.ErrStorage, err)
	}
	return UsageEstimate{UsedBytes: pageCount * pageSize}, nil
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
