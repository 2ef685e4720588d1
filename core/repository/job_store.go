// Package repository persists job records. Two backends implement the same
// store contract: Postgres for the long-running daemon and DynamoDB for the
// serverless deployment.
package repository

import (
	"context"
	"errors"

	"transcribe-orchestrator/core/models"
)

// ErrNotFound is returned when no record exists for a job ID.
var ErrNotFound = errors.New("job record not found")

// JobStore is the persistence contract for job records. Implementations
// must never let a merge update overwrite a terminal status with a
// non-terminal one.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)
	Create(ctx context.Context, record *models.JobRecord) error
	Update(ctx context.Context, jobID string, update JobUpdate) error
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobRecord, error)
	AppendEvent(ctx context.Context, event models.JobEvent) error
}

// JobUpdate is a merge update: nil fields are left untouched. LastUpdated
// is always written.
type JobUpdate struct {
	Status                *models.JobStatus
	InstanceInfo          *models.InstanceInfo
	OutputKey             *string
	TranscriptKey         *string
	ProcessingTimeMinutes *float64
	Error                 *string
	EstimatedHourlyUSD    *float64
	Reason                string // recorded on the event trail when Status changes
}

// String returns a pointer to s, for building updates.
func String(s string) *string { return &s }

// Float64 returns a pointer to f, for building updates.
func Float64(f float64) *float64 { return &f }

// Status returns a pointer to s, for building updates.
func Status(s models.JobStatus) *models.JobStatus { return &s }
