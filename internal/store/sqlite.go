package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS recent_cities (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore keeps the list as one row keyed by the store key.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path, key string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// single writer; the cache serializes saves anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: schema: %w", err)
	}
	return &SQLiteStore{db: db, key: keyOrDefault(key)}, nil
}

// Load implements recent.Store. A missing row is an empty list.
func (s *SQLiteStore) Load(ctx context.Context) ([]models.WeatherRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM recent_cities WHERE key = ?`, s.key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite store: select: %w", err)
	}
	return decode([]byte(payload))
}

// Save implements recent.Store.
func (s *SQLiteStore) Save(ctx context.Context, cities []models.WeatherRecord) error {
	raw, err := encode(cities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO recent_cities(key, payload, updated_at) VALUES(?,?,?)`,
		s.key, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlite store: upsert: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
