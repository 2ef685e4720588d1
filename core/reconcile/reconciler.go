// Package reconcile infers job completion or failure from partial,
// eventually-consistent signals: transcript artifacts, instance liveness
// and the error marker. There is no single authoritative "done" event.
package reconcile

import (
	"context"
	"time"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/repository"

	"github.com/sirupsen/logrus"
)

// ErrFileMovedToErrorFolder is the failure reason when the worker parked
// the input under error/.
const ErrFileMovedToErrorFolder = "File moved to error folder"

// ErrNoOutputsProduced is the failure reason when the instance is gone and
// nothing was produced within the failure window.
const ErrNoOutputsProduced = "no outputs produced"

// ObjectStore probes artifact presence in the job bucket.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// InstanceStates reports the lifecycle state of an instance in a region.
type InstanceStates interface {
	InstanceState(ctx context.Context, region, instanceID string) (string, error)
}

// Reconciler derives one of a fixed set of job states per poll and persists
// it. Signal precedence, highest first: outputs present, instance live,
// error marker, elapsed-time failure, still waiting.
type Reconciler struct {
	store     repository.JobStore
	objects   ObjectStore
	instances InstanceStates
	// FailAfter enables the elapsed-time failure inference once the
	// instance is gone; zero disables it and failure requires an explicit
	// error marker.
	failAfter time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewReconciler creates a status reconciler.
func NewReconciler(store repository.JobStore, objects ObjectStore, instances InstanceStates, failAfter time.Duration, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		store:     store,
		objects:   objects,
		instances: instances,
		failAfter: failAfter,
		logger:    logger,
		now:       time.Now,
	}
}

// Reconcile runs one reconciliation pass for a job. It never returns an
// error: a total failure (the record itself cannot be read) is reported as
// monitoring_error so the external poller keeps polling instead of
// aborting the pipeline.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) models.StatusReport {
	log := r.logger.WithField("job_id", jobID)
	report := models.StatusReport{JobID: jobID}

	record, err := r.store.Get(ctx, jobID)
	if err != nil {
		log.Errorf("Cannot read job record: %v", err)
		report.Error = err.Error()
		// Best effort; the store may be the thing that is broken.
		r.update(ctx, jobID, repository.JobUpdate{
			Status: repository.Status(models.JobStatusMonitoringError),
			Error:  repository.String(err.Error()),
			Reason: "monitoring_error",
		}, log)
		return report
	}

	report.ElapsedMinutes = r.now().Sub(record.Timestamp).Minutes()

	if record.Status.Terminal() {
		// Caller should have stopped polling; report the stored outcome
		// without writing anything.
		report.IsComplete = record.Status == models.JobStatusCompleted
		report.IsFailed = record.Status == models.JobStatusFailed
		report.OutputKey = record.OutputKey
		report.TranscriptKey = record.TranscriptKey
		report.Error = record.Error
		return report
	}

	jsonKey, txtKey := OutputKeys(record.Filename)
	report.OutputsFound = r.exists(ctx, record.Bucket, jsonKey, log) &&
		r.exists(ctx, record.Bucket, txtKey, log)
	report.InputMoved = r.exists(ctx, record.Bucket, DoneKey(record.InputKey), log)
	report.InstanceRunning = r.instanceLive(ctx, record, log)

	switch {
	case report.OutputsFound:
		// Outputs win regardless of instance or error-marker state.
		report.IsComplete = true
		report.OutputKey = jsonKey
		report.TranscriptKey = txtKey
		r.update(ctx, jobID, repository.JobUpdate{
			Status:                repository.Status(models.JobStatusCompleted),
			OutputKey:             repository.String(jsonKey),
			TranscriptKey:         repository.String(txtKey),
			ProcessingTimeMinutes: repository.Float64(report.ElapsedMinutes),
			Reason:                "outputs_found",
		}, log)

	case report.InstanceRunning:
		// Idempotent heartbeat while the worker is still going.
		r.update(ctx, jobID, repository.JobUpdate{
			Status:                repository.Status(models.JobStatusProcessing),
			ProcessingTimeMinutes: repository.Float64(report.ElapsedMinutes),
			Reason:                "heartbeat",
		}, log)

	case r.exists(ctx, record.Bucket, ErrorKey(record.InputKey), log):
		report.IsFailed = true
		report.Error = ErrFileMovedToErrorFolder
		r.update(ctx, jobID, repository.JobUpdate{
			Status: repository.Status(models.JobStatusFailed),
			Error:  repository.String(ErrFileMovedToErrorFolder),
			Reason: "error_marker",
		}, log)

	case r.failAfter > 0 && r.now().Sub(record.Timestamp) > r.failAfter:
		report.IsFailed = true
		report.Error = ErrNoOutputsProduced
		r.update(ctx, jobID, repository.JobUpdate{
			Status: repository.Status(models.JobStatusFailed),
			Error:  repository.String(ErrNoOutputsProduced),
			Reason: "timeout_no_outputs",
		}, log)

	default:
		// Still waiting; touch LastUpdated so staleness is visible.
		r.update(ctx, jobID, repository.JobUpdate{Reason: "still_waiting"}, log)
	}

	return report
}

// instanceLive treats any signal error as "not live" rather than aborting
// the reconciliation.
func (r *Reconciler) instanceLive(ctx context.Context, record *models.JobRecord, log logrus.FieldLogger) bool {
	if record.InstanceInfo == nil || record.InstanceInfo.InstanceID == "" {
		return false
	}
	state, err := r.instances.InstanceState(ctx, record.InstanceInfo.Region, record.InstanceInfo.InstanceID)
	if err != nil {
		log.Warnf("Instance status lookup failed: %v", err)
		return false
	}
	return state == "pending" || state == "running"
}

// exists absorbs individual probe errors, treating the signal as absent.
func (r *Reconciler) exists(ctx context.Context, bucket, key string, log logrus.FieldLogger) bool {
	found, err := r.objects.Exists(ctx, bucket, key)
	if err != nil {
		log.Warnf("Object probe failed for %s: %v", key, err)
		return false
	}
	return found
}

func (r *Reconciler) update(ctx context.Context, jobID string, update repository.JobUpdate, log logrus.FieldLogger) {
	if err := r.store.Update(ctx, jobID, update); err != nil {
		log.Errorf("Failed to persist job update: %v", err)
	}
}
