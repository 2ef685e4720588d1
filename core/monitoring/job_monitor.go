// Package monitoring runs the reconciliation loop for in-flight jobs.
package monitoring

import (
	"context"
	"time"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/reconcile"
	"transcribe-orchestrator/core/repository"

	"github.com/sirupsen/logrus"
)

// JobMonitor polls every in-flight job on a fixed cadence and runs the
// status reconciler on each until it reports a terminal state.
type JobMonitor struct {
	store      repository.JobStore
	reconciler *reconcile.Reconciler
	interval   time.Duration
	logger     logrus.FieldLogger
}

// NewJobMonitor creates a job monitor.
func NewJobMonitor(store repository.JobStore, reconciler *reconcile.Reconciler, interval time.Duration, logger logrus.FieldLogger) *JobMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &JobMonitor{
		store:      store,
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
	}
}

// Start runs the monitoring loop until the context is cancelled.
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.reconcileInFlight(ctx)
		}
	}
}

// reconcileInFlight runs one reconciliation pass over every job still
// processing. Jobs stuck in monitoring_error are retried too, per the
// keep-polling contract.
func (jm *JobMonitor) reconcileInFlight(ctx context.Context) {
	for _, status := range []models.JobStatus{models.JobStatusProcessing, models.JobStatusMonitoringError} {
		jobs, err := jm.store.ListByStatus(ctx, status, 100)
		if err != nil {
			jm.logger.Errorf("Failed to list %s jobs: %v", status, err)
			continue
		}
		for _, job := range jobs {
			report := jm.reconciler.Reconcile(ctx, job.ID)
			if report.IsComplete || report.IsFailed {
				jm.logger.WithField("job_id", job.ID).Infof(
					"Job reached terminal state (complete=%t failed=%t) after %.1f minutes",
					report.IsComplete, report.IsFailed, report.ElapsedMinutes)
			}
		}
	}
}
