package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists recognition results in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema creates the results table
func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS results (
			artist TEXT NOT NULL,
			title TEXT NOT NULL,
			result TEXT NOT NULL,
			countries TEXT, -- JSON array as TEXT
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (artist, title)
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Lookup returns the stored result for a case-normalized (artist, title)
// pair, or found=false when no row exists.
func (s *SQLiteStore) Lookup(ctx context.Context, artist, title string) (*Entry, bool, error) {
	query := `SELECT result, countries FROM results WHERE artist = ? AND title = ?`

	var result string
	var countriesJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, normalize(artist), normalize(title)).Scan(&result, &countriesJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entry := &Entry{
		Artist: artist,
		Title:  title,
		Result: result,
	}

	if countriesJSON.Valid && countriesJSON.String != "" {
		if err := json.Unmarshal([]byte(countriesJSON.String), &entry.Countries); err != nil {
			return nil, false, fmt.Errorf("failed to decode countries: %w", err)
		}
	}

	return entry, true, nil
}

// Save upserts one result row. Re-saving the same key is last-write-wins.
func (s *SQLiteStore) Save(ctx context.Context, entry *Entry) error {
	countriesJSON, err := json.Marshal(entry.Countries)
	if err != nil {
		return fmt.Errorf("failed to encode countries: %w", err)
	}

	query := `INSERT INTO results (artist, title, result, countries) VALUES (?, ?, ?, ?)
		ON CONFLICT(artist, title) DO UPDATE SET result = excluded.result, countries = excluded.countries`

	if _, err := s.db.ExecContext(ctx, query, normalize(entry.Artist), normalize(entry.Title), entry.Result, string(countriesJSON)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}
