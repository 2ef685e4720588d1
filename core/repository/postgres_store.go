package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"transcribe-orchestrator/core/models"
)

// PostgresStore is the Postgres-backed JobStore used by the daemon
// deployment.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a Postgres job store.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new job record.
func (s *PostgresStore) Create(ctx context.Context, record *models.JobRecord) error {
	query := `
		INSERT INTO jobs (
			id, bucket, input_key, filename, status,
			instance_id, instance_region, acquisition_kind, availability_zone,
			estimated_hourly_usd, output_key, transcript_key,
			processing_time_minutes, error, started_at, last_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`
	now := time.Now()
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	record.LastUpdated = now

	var instanceID, instanceRegion, acquisitionKind, availabilityZone sql.NullString
	if record.InstanceInfo != nil {
		instanceID = sql.NullString{String: record.InstanceInfo.InstanceID, Valid: true}
		instanceRegion = sql.NullString{String: record.InstanceInfo.Region, Valid: true}
		acquisitionKind = sql.NullString{String: string(record.InstanceInfo.AcquisitionKind), Valid: true}
		availabilityZone = sql.NullString{String: record.InstanceInfo.AvailabilityZone, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Bucket,
		record.InputKey,
		record.Filename,
		record.Status,
		instanceID,
		instanceRegion,
		acquisitionKind,
		availabilityZone,
		record.EstimatedHourlyUSD,
		record.OutputKey,
		record.TranscriptKey,
		record.ProcessingTimeMinutes,
		record.Error,
		record.Timestamp,
		record.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}

	return s.AppendEvent(ctx, models.JobEvent{
		JobID:    record.ID,
		At:       now,
		ToStatus: record.Status,
		Reason:   "job_created",
	})
}

// Get retrieves a job record by ID.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	query := `
		SELECT id, bucket, input_key, filename, status,
			instance_id, instance_region, acquisition_kind, availability_zone,
			estimated_hourly_usd, output_key, transcript_key,
			processing_time_minutes, error, started_at, last_updated
		FROM jobs
		WHERE id = $1
	`
	return s.scanRecord(s.db.QueryRowContext(ctx, query, jobID))
}

// Update applies a merge update. Non-terminal status writes are guarded so
// a late heartbeat can never overwrite a terminal status.
func (s *PostgresStore) Update(ctx context.Context, jobID string, update JobUpdate) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}

	sets := []string{"last_updated = $1"}
	args := []interface{}{time.Now()}
	idx := 2

	set := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.InstanceInfo != nil {
		set("instance_id", update.InstanceInfo.InstanceID)
		set("instance_region", update.InstanceInfo.Region)
		set("acquisition_kind", string(update.InstanceInfo.AcquisitionKind))
		set("availability_zone", update.InstanceInfo.AvailabilityZone)
	}
	if update.OutputKey != nil {
		set("output_key", *update.OutputKey)
	}
	if update.TranscriptKey != nil {
		set("transcript_key", *update.TranscriptKey)
	}
	if update.ProcessingTimeMinutes != nil {
		set("processing_time_minutes", *update.ProcessingTimeMinutes)
	}
	if update.Error != nil {
		set("error", *update.Error)
	}
	if update.EstimatedHourlyUSD != nil {
		set("estimated_hourly_usd", *update.EstimatedHourlyUSD)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), idx)
	args = append(args, jobID)
	if update.Status != nil && !update.Status.Terminal() {
		query += " AND status NOT IN ('completed', 'failed')"
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job record: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		// Guard blocked the write; the record is terminal.
		return nil
	}

	if update.Status != nil && *update.Status != current.Status {
		from := current.Status
		return s.AppendEvent(ctx, models.JobEvent{
			JobID:      jobID,
			At:         time.Now(),
			FromStatus: &from,
			ToStatus:   *update.Status,
			Reason:     update.Reason,
		})
	}
	return nil
}

// ListByStatus returns up to limit records in the given status, oldest
// first.
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobRecord, error) {
	query := `
		SELECT id, bucket, input_key, filename, status,
			instance_id, instance_region, acquisition_kind, availability_zone,
			estimated_hourly_usd, output_key, transcript_key,
			processing_time_minutes, error, started_at, last_updated
		FROM jobs
		WHERE status = $1
		ORDER BY started_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var records []*models.JobRecord
	for rows.Next() {
		record, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// AppendEvent writes one row to the status transition audit trail.
func (s *PostgresStore) AppendEvent(ctx context.Context, event models.JobEvent) error {
	metaJSON := "{}"
	if event.Meta != nil {
		if data, err := json.Marshal(event.Meta); err == nil {
			metaJSON = string(data)
		}
	}
	var fromStatus sql.NullString
	if event.FromStatus != nil {
		fromStatus = sql.NullString{String: string(*event.FromStatus), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.JobID, event.At, fromStatus, event.ToStatus, event.Reason, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	return nil
}

// Events retrieves the audit trail for a job, newest first.
func (s *PostgresStore) Events(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		var metaJSON string
		if err := rows.Scan(&event.ID, &event.JobID, &event.At, &fromStatus, &event.ToStatus, &event.Reason, &metaJSON); err != nil {
			return nil, err
		}
		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &event.Meta)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanRecord(row rowScanner) (*models.JobRecord, error) {
	var record models.JobRecord
	var instanceID, instanceRegion, acquisitionKind, availabilityZone sql.NullString
	var estimatedHourlyUSD, processingTimeMinutes sql.NullFloat64
	var outputKey, transcriptKey, errText sql.NullString

	err := row.Scan(
		&record.ID,
		&record.Bucket,
		&record.InputKey,
		&record.Filename,
		&record.Status,
		&instanceID,
		&instanceRegion,
		&acquisitionKind,
		&availabilityZone,
		&estimatedHourlyUSD,
		&outputKey,
		&transcriptKey,
		&processingTimeMinutes,
		&errText,
		&record.Timestamp,
		&record.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job record: %w", err)
	}

	if instanceID.Valid && instanceID.String != "" {
		record.InstanceInfo = &models.InstanceInfo{
			InstanceID:       instanceID.String,
			Region:           instanceRegion.String,
			AcquisitionKind:  models.AcquisitionKind(acquisitionKind.String),
			AvailabilityZone: availabilityZone.String,
		}
	}
	record.EstimatedHourlyUSD = estimatedHourlyUSD.Float64
	record.OutputKey = outputKey.String
	record.TranscriptKey = transcriptKey.String
	record.ProcessingTimeMinutes = processingTimeMinutes.Float64
	record.Error = errText.String
	return &record, nil
}
