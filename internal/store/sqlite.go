package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/galois26/legisync/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	position          INTEGER PRIMARY KEY,
	id                TEXT NOT NULL,
	chamber_of_origin TEXT NOT NULL DEFAULT '',
	file_number       TEXT NOT NULL DEFAULT '',
	author            TEXT NOT NULL DEFAULT '',
	start_date        TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	committees        TEXT NOT NULL DEFAULT '',
	impact            TEXT NOT NULL DEFAULT '',
	party             TEXT NOT NULL DEFAULT '',
	province          TEXT NOT NULL DEFAULT '',
	observations      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	singleton  INTEGER PRIMARY KEY CHECK (singleton = 1),
	updated_at TEXT NOT NULL,
	origin     TEXT NOT NULL
);`

// SQLiteStore mirrors the snapshot into an SQLite database. The records table
// is rewritten inside one transaction on every save.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path with WAL journaling.
// Use ":memory:" in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Check() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("sqlite: clear records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records
		(position, id, chamber_of_origin, file_number, author, start_date, title,
		 committees, impact, party, province, observations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, r := range snap.Records {
		if _, err = stmt.ExecContext(ctx, i, r.ID, r.ChamberOfOrigin, r.FileNumber, r.Author,
			r.StartDate, r.Title, r.Committees, r.Impact, r.Party, r.Province, r.Observations); err != nil {
			return fmt.Errorf("sqlite: insert record %q: %w", r.ID, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (singleton, updated_at, origin) VALUES (1, ?, ?)
		 ON CONFLICT(singleton) DO UPDATE SET updated_at = excluded.updated_at, origin = excluded.origin`,
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano), snap.Origin); err != nil {
		return fmt.Errorf("sqlite: write meta: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var (
		snap    Snapshot
		updated string
	)
	err := s.db.QueryRowContext(ctx, `SELECT updated_at, origin FROM snapshot_meta WHERE singleton = 1`).
		Scan(&updated, &snap.Origin)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("sqlite: read meta: %w", err)
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Snapshot{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, chamber_of_origin, file_number, author, start_date,
		title, committees, impact, party, province, observations FROM records ORDER BY position`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()
	snap.Records = []model.Record{}
	for rows.Next() {
		var r model.Record
		if err := rows.Scan(&r.ID, &r.ChamberOfOrigin, &r.FileNumber, &r.Author, &r.StartDate,
			&r.Title, &r.Committees, &r.Impact, &r.Party, &r.Province, &r.Observations); err != nil {
			return Snapshot{}, fmt.Errorf("sqlite: scan record: %w", err)
		}
		snap.Records = append(snap.Records, r)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("sqlite: iterate records: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
