// Package store persists the output of asynchronous plugins, so a restarted
// agent keeps serving the last known data within its cache age.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Record struct {
	Path     string
	Data     []byte
	Captured time.Time
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// plugin workers publish concurrently, sqlite has a single writer anyway
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS plugin_cache (
			path TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			captured INTEGER NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Put stores or replaces the cached output of a plugin identified by its path.
func Put(ctx context.Context, db *sql.DB, rec Record) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO plugin_cache (path, data, captured) VALUES (?,?,?)
		 ON CONFLICT(path) DO UPDATE SET data = excluded.data, captured = excluded.captured;`,
		rec.Path, rec.Data, rec.Captured.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

// Get returns the cached output of a plugin on success,
// ErrNotFound when nothing is stored for path,
// error otherwise.
func Get(ctx context.Context, db *sql.DB, path string) (Record, error) {
	var rec Record
	var captured int64
	row := db.QueryRowContext(ctx,
		`SELECT path, data, captured FROM plugin_cache WHERE path=?`, path,
	)
	err := row.Scan(&rec.Path, &rec.Data, &captured)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	rec.Captured = time.Unix(0, captured)
	return rec, nil
}

func Delete(ctx context.Context, db *sql.DB, path string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM plugin_cache WHERE path=?`, path,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes every record whose path is not in keep.
func Prune(ctx context.Context, db *sql.DB, keep []string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.")
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT path FROM plugin_cache`)
	if err != nil {
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	wanted := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		wanted[k] = struct{}{}
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scanning row failed: %w", err)
		}
		if _, ok := wanted[path]; !ok {
			stale = append(stale, path)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, path := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_cache WHERE path=?`, path); err != nil {
			return 0, fmt.Errorf("executing sql delete failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return len(stale), nil
}

// Cache adapts a database to the persistence interface of plugin entries.
type Cache struct {
	DB *sql.DB
}

func (c Cache) Save(ctx context.Context, path string, data []byte, captured time.Time) error {
	if len(data) == 0 {
		err := Delete(ctx, c.DB, path)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return Put(ctx, c.DB, Record{Path: path, Data: data, Captured: captured})
}

// Load returns stored data, or nil data when nothing is stored
func (c Cache) Load(ctx context.Context, path string) ([]byte, time.Time, error) {
	rec, err := Get(ctx, c.DB, path)
	if errors.Is(err, ErrNotFound) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return rec.Data, rec.Captured, nil
}
