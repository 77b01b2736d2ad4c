// Package incidentlog persists the append-only record of patient state
// observed during a response: visual findings, vitals, and actions taken.
// Records are never updated or deleted.
package incidentlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one appended incident observation.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	HeartRate      string    `json:"heart_rate"`
	InjuryDetected string    `json:"injury_detected"`
	ActionsTaken   string    `json:"actions_taken"`
}

// Store is a SQLite-backed append-only incident log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the store at the given path, creating parent directories
// and the schema as needed.
func Open(path string) (*Store, error) {
	return openWithClock(path, time.Now)
}

func openWithClock(path string, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening incident log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS incident_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			heart_rate TEXT NOT NULL,
			injury_detected TEXT NOT NULL,
			actions_taken TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, now: now}, nil
}

// Append adds one record. A zero timestamp is stamped with the current time.
func (s *Store) Append(ctx context.Context, record Record) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_log (timestamp, heart_rate, injury_detected, actions_taken)
		VALUES (?, ?, ?, ?)`,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.HeartRate,
		record.InjuryDetected,
		record.ActionsTaken,
	)
	if err != nil {
		return fmt.Errorf("appending incident record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, heart_rate, injury_detected, actions_taken
		FROM incident_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying incident log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var stamp string
		if err := rows.Scan(&stamp, &record.HeartRate, &record.InjuryDetected, &record.ActionsTaken); err != nil {
			return nil, fmt.Errorf("scanning incident record: %w", err)
		}
		if parsed, perr := time.Parse(time.RFC3339Nano, stamp); perr == nil {
			record.Timestamp = parsed
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
