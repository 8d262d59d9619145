package seed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the last successfully loaded seed document's raw bytes in
// a local SQLite database, so a restart can still come up if the YAML file
// is transiently missing or invalid.
// Checkpoint and AMF runtime state themselves stay in-memory per spec
// Non-goals; this store only ever holds configuration, never cluster
// state.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("seed: open store: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS seed_cache (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		raw BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save overwrites the cached document bytes.
func (s *Store) Save(ctx context.Context, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seed_cache (id, raw, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET raw = excluded.raw, saved_at = excluded.saved_at`,
		raw, time.Now().Unix())
	return err
}

// Load returns the cached document bytes, or (nil, false) if none was ever
// saved.
func (s *Store) Load(ctx context.Context) ([]byte, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM seed_cache WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// LoadOrFallback reads path and caches it on success; on read/parse
// failure it falls back to the last cached document, if any.
func LoadOrFallback(ctx context.Context, store *Store, path string) (*Document, error) {
	raw, readErr := readFile(path)
	if readErr == nil {
		doc, parseErr := parse(raw)
		if parseErr == nil {
			if store != nil {
				_ = store.Save(ctx, raw)
			}
			return doc, nil
		}
		readErr = parseErr
	}

	if store == nil {
		return nil, readErr
	}
	cached, ok, err := store.Load(ctx)
	if err != nil || !ok {
		return nil, readErr
	}
	return parse(cached)
}
