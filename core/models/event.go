package models

import "time"

// JobEvent is one row in the per-job status transition audit trail.
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	Meta       map[string]interface{}
}
