package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists entries in a local SQLite database. Saves
// replace the full snapshot inside one transaction, so a crash between
// persists keeps the prior state, matching the file backend's contract.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id          TEXT PRIMARY KEY,
			content     TEXT NOT NULL,
			category    TEXT NOT NULL,
			importance  INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			source_turn TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
		CREATE INDEX IF NOT EXISTS idx_entries_updated ON entries(updated_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, content, category, importance, created_at, updated_at, COALESCE(source_turn, '') FROM entries`)
	if err != nil {
		return nil, &CorruptionError{Path: b.path, Err: err}
	}
	defer rows.Close()

	entries := map[string]Entry{}
	var bad []string
	for rows.Next() {
		var e Entry
		var created, updated string
		if err := rows.Scan(&e.ID, &e.Content, &e.Category, &e.Importance, &created, &updated, &e.SourceTurnRef); err != nil {
			return nil, &CorruptionError{Path: b.path, Err: err}
		}
		if strings.TrimSpace(e.Content) == "" {
			bad = append(bad, fmt.Sprintf("record %s: empty content", e.ID))
			continue
		}
		if _, ok := ParseCategory(string(e.Category)); !ok {
			bad = append(bad, fmt.Sprintf("record %s: unknown category %q", e.ID, e.Category))
			continue
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			bad = append(bad, fmt.Sprintf("record %s: bad created_at %q", e.ID, created))
			continue
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			bad = append(bad, fmt.Sprintf("record %s: bad updated_at %q", e.ID, updated))
			continue
		}
		e.Importance = ClampImportance(e.Importance)
		entries[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, &CorruptionError{Path: b.path, Err: err}
	}

	if len(bad) > 0 {
		sort.Strings(bad)
		return entries, &CorruptionError{Path: b.path, Records: bad}
	}
	return entries, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, entries map[string]Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (id, content, category, importance, created_at, updated_at, source_turn)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Content, string(e.Category), e.Importance,
			e.CreatedAt.Format(time.RFC3339Nano),
			e.UpdatedAt.Format(time.RFC3339Nano),
			e.SourceTurnRef,
		); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist: %w", err)
	}
	return nil
}
