package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("error creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// A single connection keeps :memory: databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while migrating database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			label TEXT NOT NULL,
			source TEXT NOT NULL,
			query TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_locations_created_at ON locations(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) SaveLocation(ctx context.Context, e *LocationEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (latitude, longitude, label, source, query, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Location.Latitude, e.Location.Longitude, e.Location.Label, string(e.Source), e.Query, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("error inserting location: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("error reading location id: %w", err)
	}
	e.ID = id
	return nil
}

// LatestLocation returns the most recent entry, or nil when the history is empty.
func (s *SQLiteDB) LatestLocation(ctx context.Context) (*LocationEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, latitude, longitude, label, source, query, created_at FROM locations ORDER BY created_at DESC, id DESC LIMIT 1`)

	e, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteDB) RecentLocations(ctx context.Context, limit int) ([]LocationEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, latitude, longitude, label, source, query, created_at FROM locations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying locations: %w", err)
	}
	defer rows.Close()

	var out []LocationEntry
	for rows.Next() {
		e, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(sc scanner) (LocationEntry, error) {
	var (
		e      LocationEntry
		source string
		query  sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.Location.Latitude, &e.Location.Longitude, &e.Location.Label, &source, &query, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("error scanning location: %w", err)
	}
	e.Source = Source(source)
	e.Query = query.String
	return e, nil
}

var _ LocationRepository = (*SQLiteDB)(nil)
