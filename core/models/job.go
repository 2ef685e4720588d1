package models

import "time"

// JobRecord is the persistent record for one transcription job, keyed by
// job ID. It is the only state shared between the provisioning engine,
// the status reconciler and the rest of the pipeline.
type JobRecord struct {
	ID           string
	Bucket       string
	InputKey     string
	Filename     string
	Status       JobStatus
	InstanceInfo *InstanceInfo
	Timestamp    time.Time // job start
	LastUpdated  time.Time

	// Terminal-state extras
	OutputKey             string
	TranscriptKey         string
	ProcessingTimeMinutes float64
	Error                 string

	// Recorded at launch for cost visibility
	EstimatedHourlyUSD float64
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusValidating      JobStatus = "validating"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusMonitoringError JobStatus = "monitoring_error"
	JobStatusError           JobStatus = "error"
)

// Terminal reports whether no further status writes are expected for a job
// in this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// InstanceInfo records the compute resource acquired for a job.
type InstanceInfo struct {
	InstanceID       string
	Region           string
	AcquisitionKind  AcquisitionKind
	AvailabilityZone string
}

// AcquisitionKind distinguishes how an instance was acquired
type AcquisitionKind string

const (
	AcquisitionSpot     AcquisitionKind = "spot"
	AcquisitionOnDemand AcquisitionKind = "on-demand"
)

// StatusReport is the result of one reconciliation pass over a job.
type StatusReport struct {
	JobID           string
	IsComplete      bool
	IsFailed        bool
	ElapsedMinutes  float64
	InstanceRunning bool
	OutputsFound    bool
	InputMoved      bool
	OutputKey       string
	TranscriptKey   string
	Error           string
}
