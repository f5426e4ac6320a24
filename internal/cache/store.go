// Package cache implements ContentCache: the bounded, content-addressed
// blob store over a filesystem directory plus a SQLite metadata index,
// described in spec §4.B.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Row mirrors a single cache_entry row (spec §3 CacheEntry, §6 schema).
type Row struct {
	DigestHex    string
	SizeBytes    int64
	LastAccessMs int64
	State        string
}

const (
	// StateDownloading marks a row whose blob is not yet fully written and
	// verified; it is never served to readers (invariant C3).
	StateDownloading = "DOWNLOADING"
	// StateReady marks a row whose blob is durably present and verified.
	StateReady = "READY"
)

// Store is the SQLite-backed metadata index described in spec §6:
//
//	cache_entry(digest TEXT PRIMARY KEY, size_bytes INTEGER NOT NULL,
//	            last_access_ms INTEGER NOT NULL, state TEXT NOT NULL)
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the SQLite database at path and
// ensures the cache_entry table exists.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cache: open metadata db: %w", err)
	}
	// A single connection serializes every statement, which avoids
	// SQLITE_BUSY churn from modernc.org/sqlite's file-level locking.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ping metadata db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entry (
			digest TEXT PRIMARY KEY,
			size_bytes INTEGER NOT NULL,
			last_access_ms INTEGER NOT NULL,
			state TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("cache: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrAlreadyExists is returned by TryBeginDownload when a row for the
// digest is already present (READY or DOWNLOADING).
var ErrAlreadyExists = errors.New("cache: entry already exists")

// TryBeginDownload inserts a DOWNLOADING row for digestHex. It returns
// ErrAlreadyExists if a row (of any state) already exists, which the
// caller treats as "someone else owns this digest" per spec §4.B's
// concurrency requirement (at-most-one producer per digest).
func (s *Store) TryBeginDownload(ctx context.Context, digestHex string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entry(digest, size_bytes, last_access_ms, state) VALUES (?, 0, ?, ?)`,
		digestHex, nowMs, StateDownloading)
	if err != nil {
		// modernc.org/sqlite reports UNIQUE constraint violations as a
		// generic driver error; a row lookup disambiguates "already exists"
		// from a genuine IO error.
		if _, found, getErr := s.Get(ctx, digestHex); getErr == nil && found {
			return ErrAlreadyExists
		}
		return fmt.Errorf("cache: begin download: %w", err)
	}
	return nil
}

// Get returns the row for digestHex regardless of state.
func (s *Store) Get(ctx context.Context, digestHex string) (Row, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT digest, size_bytes, last_access_ms, state FROM cache_entry WHERE digest = ?`, digestHex)
	var r Row
	switch err := row.Scan(&r.DigestHex, &r.SizeBytes, &r.LastAccessMs, &r.State); err {
	case nil:
		return r, true, nil
	case sql.ErrNoRows:
		return Row{}, false, nil
	default:
		return Row{}, false, fmt.Errorf("cache: get %s: %w", digestHex, err)
	}
}

// GetReady returns the row for digestHex if, and only if, it is READY.
func (s *Store) GetReady(ctx context.Context, digestHex string) (Row, bool, error) {
	r, found, err := s.Get(ctx, digestHex)
	if err != nil || !found || r.State != StateReady {
		return Row{}, false, err
	}
	return r, true, nil
}

// MarkReady transitions digestHex's row to READY with the given size and
// last-access timestamp. The caller must have already durably written (and,
// for writes, renamed into place) the blob before calling this, so that a
// reader observing the READY row never races the blob's own visibility.
func (s *Store) MarkReady(ctx context.Context, digestHex string, sizeBytes, nowMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cache_entry SET size_bytes = ?, last_access_ms = ?, state = ? WHERE digest = ?`,
		sizeBytes, nowMs, StateReady, digestHex)
	if err != nil {
		return fmt.Errorf("cache: mark ready %s: %w", digestHex, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cache: mark ready %s: no such row", digestHex)
	}
	return nil
}

// Touch updates a READY row's last-access timestamp.
func (s *Store) Touch(ctx context.Context, digestHex string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entry SET last_access_ms = ? WHERE digest = ? AND state = ?`,
		nowMs, digestHex, StateReady)
	if err != nil {
		return fmt.Errorf("cache: touch %s: %w", digestHex, err)
	}
	return nil
}

// Delete removes digestHex's row regardless of state. Used both to abort a
// failed download and to evict a READY row during prune.
func (s *Store) Delete(ctx context.Context, digestHex string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE digest = ?`, digestHex)
	if err != nil {
		return fmt.Errorf("cache: delete %s: %w", digestHex, err)
	}
	return nil
}

// SumReadySizeBytes returns the sum of size_bytes over all READY rows
// (invariant C1's left-hand side).
func (s *Store) SumReadySizeBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size_bytes) FROM cache_entry WHERE state = ?`, StateReady).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("cache: sum ready size: %w", err)
	}
	return total.Int64, nil
}

// OldestReady returns the READY row with the smallest last_access_ms,
// breaking ties by ascending digest, per spec §4.B's prune contract. The
// second return value is false if there are no READY rows.
func (s *Store) OldestReady(ctx context.Context) (Row, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT digest, size_bytes, last_access_ms, state FROM cache_entry
		 WHERE state = ? ORDER BY last_access_ms ASC, digest ASC LIMIT 1`, StateReady)
	var r Row
	switch err := row.Scan(&r.DigestHex, &r.SizeBytes, &r.LastAccessMs, &r.State); err {
	case nil:
		return r, true, nil
	case sql.ErrNoRows:
		return Row{}, false, nil
	default:
		return Row{}, false, fmt.Errorf("cache: oldest ready: %w", err)
	}
}
