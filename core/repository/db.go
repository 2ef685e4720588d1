package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool.
type DB struct {
	*sql.DB
}

// NewDB opens and verifies a Postgres connection.
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db}, nil
}

// EnsureSchema creates the job tables if they do not exist.
func (db *DB) EnsureSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			input_key TEXT NOT NULL,
			filename TEXT NOT NULL,
			status TEXT NOT NULL,
			instance_id TEXT,
			instance_region TEXT,
			acquisition_kind TEXT,
			availability_zone TEXT,
			estimated_hourly_usd DOUBLE PRECISION,
			output_key TEXT,
			transcript_key TEXT,
			processing_time_minutes DOUBLE PRECISION,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS job_events (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL,
			meta_json TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS job_events_job_id_idx ON job_events (job_id);
		CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
	`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
