// Package catalog records finished conversions in SQLite. Each row is keyed
// by a hash of the source bytes and the sizing options, so repeated requests
// for the same image at the same budget are served from the store.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown hash.
var ErrNotFound = errors.New("catalog: not found")

// Conversion represents a single stored encoding in the catalog.
type Conversion struct {
	ID          int64     `json:"id"`
	Hash        string    `json:"hash"`
	Source      string    `json:"source"`
	Format      string    `json:"format"`
	SrcWidth    int       `json:"src_width"`
	SrcHeight   int       `json:"src_height"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Factor      float64   `json:"factor"`
	Budget      int       `json:"budget"`
	TextBytes   int64     `json:"text_bytes"`
	StoredBytes int64     `json:"stored_bytes"`
	Filename    string    `json:"filename"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats holds catalog statistics for the health endpoint.
type Stats struct {
	Count          int       `json:"count"`
	TextBytes      int64     `json:"text_bytes"`
	StoredBytes    int64     `json:"stored_bytes"`
	OverBudget     int       `json:"over_budget"`
	LastConversion time.Time `json:"last_conversion"`
}

// DB wraps a SQLite database for conversion catalog operations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the catalog database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT UNIQUE NOT NULL,
			source TEXT NOT NULL,
			format TEXT NOT NULL DEFAULT '',
			src_width INTEGER NOT NULL DEFAULT 0,
			src_height INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			factor REAL NOT NULL DEFAULT 1,
			budget INTEGER NOT NULL DEFAULT 0,
			text_bytes INTEGER NOT NULL DEFAULT 0,
			stored_bytes INTEGER NOT NULL DEFAULT 0,
			filename TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_conversions_hash ON conversions(hash);
		CREATE INDEX IF NOT EXISTS idx_conversions_created ON conversions(created_at);
	`)
	return err
}

// Insert adds a conversion to the catalog. Returns the row ID; a duplicate
// hash is ignored.
func (d *DB) Insert(c *Conversion) (int64, error) {
	result, err := d.db.Exec(
		`INSERT OR IGNORE INTO conversions (hash, source, format, src_width, src_height, width, height,
			factor, budget, text_bytes, stored_bytes, filename)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Hash, c.Source, c.Format, c.SrcWidth, c.SrcHeight, c.Width, c.Height,
		c.Factor, c.Budget, c.TextBytes, c.StoredBytes, c.Filename,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert: %w", err)
	}
	return result.LastInsertId()
}

// HasHash checks if a conversion with the given key already exists.
func (d *DB) HasHash(hash string) (bool, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM conversions WHERE hash = ?", hash).Scan(&count)
	return count > 0, err
}

const selectColumns = `SELECT id, hash, source, format, src_width, src_height, width, height,
	factor, budget, text_bytes, stored_bytes, filename, created_at FROM conversions`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversion(s scanner) (*Conversion, error) {
	c := &Conversion{}
	err := s.Scan(&c.ID, &c.Hash, &c.Source, &c.Format, &c.SrcWidth, &c.SrcHeight,
		&c.Width, &c.Height, &c.Factor, &c.Budget, &c.TextBytes, &c.StoredBytes,
		&c.Filename, &c.CreatedAt)
	return c, err
}

// Get returns the conversion stored under hash.
func (d *DB) Get(hash string) (*Conversion, error) {
	c, err := scanConversion(d.db.QueryRow(selectColumns+" WHERE hash = ?", hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get: %w", err)
	}
	return c, nil
}

// Recent returns up to limit conversions, newest first.
func (d *DB) Recent(limit int) ([]*Conversion, error) {
	rows, err := d.db.Query(selectColumns+" ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: recent: %w", err)
	}
	defer rows.Close()

	var out []*Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: recent: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes the row for hash.
func (d *DB) Delete(hash string) error {
	if _, err := d.db.Exec("DELETE FROM conversions WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("catalog: delete: %w", err)
	}
	return nil
}

// Stats returns catalog statistics.
func (d *DB) Stats() (*Stats, error) {
	s := &Stats{}

	if err := d.db.QueryRow("SELECT COUNT(*) FROM conversions").Scan(&s.Count); err != nil {
		return nil, fmt.Errorf("catalog: stats: %w", err)
	}
	d.db.QueryRow("SELECT COALESCE(SUM(text_bytes), 0), COALESCE(SUM(stored_bytes), 0) FROM conversions").
		Scan(&s.TextBytes, &s.StoredBytes)
	d.db.QueryRow("SELECT COUNT(*) FROM conversions WHERE text_bytes > budget").Scan(&s.OverBudget)
	d.db.QueryRow("SELECT COALESCE(MAX(created_at), '1970-01-01') FROM conversions").Scan(&s.LastConversion)

	return s, nil
}

// Count returns the total number of conversions.
func (d *DB) Count() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM conversions").Scan(&count)
	return count, err
}
