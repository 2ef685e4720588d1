package provision

import (
	"context"
	"errors"
	"fmt"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/repository"

	"github.com/sirupsen/logrus"
)

// ErrCapacityExhausted is reported when every spot and on-demand candidate
// failed.
var ErrCapacityExhausted = errors.New("all provisioning candidates exhausted")

// ExhaustionError wraps ErrCapacityExhausted together with the most recent
// underlying failure and the number of candidates tried.
type ExhaustionError struct {
	Candidates int
	LastErr    error
}

func (e *ExhaustionError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("%v after %d candidates", ErrCapacityExhausted, e.Candidates)
	}
	return fmt.Sprintf("%v after %d candidates: %v", ErrCapacityExhausted, e.Candidates, e.LastErr)
}

func (e *ExhaustionError) Unwrap() error {
	return ErrCapacityExhausted
}

// PriceEstimator records an advisory hourly cost for an acquisition. A nil
// estimator disables cost recording.
type PriceEstimator interface {
	EstimateHourlyUSD(ctx context.Context, cand models.ProvisionCandidate, result *models.AcquisitionResult) float64
}

// LaunchRequest identifies the job an instance is being acquired for.
type LaunchRequest struct {
	JobID    string
	Bucket   string
	InputKey string
	Filename string
}

// LaunchResult is the outcome of one launch call. Either Skipped is true
// and Probe carries the existing workers, or Acquisition is set.
type LaunchResult struct {
	JobID       string
	Skipped     bool
	Probe       models.ProbeResult
	Acquisition *models.AcquisitionResult
}

// Engine orchestrates probe, planning and the two acquisition phases. One
// Launch call per job lifecycle event; the engine never retries a whole
// cycle — that belongs to the caller.
type Engine struct {
	probe     *RunningJobProbe
	planner   *ProvisionPlanner
	spot      *SpotAcquirer
	onDemand  *OnDemandAcquirer
	store     repository.JobStore
	estimator PriceEstimator
	userData  func(bucket, inputKey, filename string) string
	logger    logrus.FieldLogger
}

// NewEngine creates a provisioning engine.
func NewEngine(
	probe *RunningJobProbe,
	planner *ProvisionPlanner,
	spot *SpotAcquirer,
	onDemand *OnDemandAcquirer,
	store repository.JobStore,
	estimator PriceEstimator,
	userData func(bucket, inputKey, filename string) string,
	logger logrus.FieldLogger,
) *Engine {
	return &Engine{
		probe:     probe,
		planner:   planner,
		spot:      spot,
		onDemand:  onDemand,
		store:     store,
		estimator: estimator,
		userData:  userData,
		logger:    logger,
	}
}

// Check reports whether any worker instance is already running in any
// catalog region.
func (e *Engine) Check(ctx context.Context) models.ProbeResult {
	return e.probe.FindRunning(ctx)
}

// Launch acquires one instance for a job. Sequence: re-probe for an
// existing worker (short-circuit on a hit), build the candidate list once,
// try every candidate with spot, then the same list with on-demand, first
// success wins. Candidates are tried strictly sequentially so at most one
// instance is ever paid for per job.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	log := e.logger.WithField("job_id", req.JobID)

	if probe := e.probe.FindRunning(ctx); probe.Found {
		log.Infof("Worker already running in %s, skipping launch", probe.Region)
		return &LaunchResult{JobID: req.JobID, Skipped: true, Probe: probe}, nil
	}

	candidates := e.planner.Plan(ctx)
	if len(candidates) == 0 {
		err := &ExhaustionError{Candidates: 0, LastErr: errors.New("no usable regions in catalog")}
		e.persistExhaustion(ctx, req.JobID, err)
		return nil, err
	}

	userData := e.userData(req.Bucket, req.InputKey, req.Filename)

	for i, cand := range candidates {
		result, err := e.spot.TryAcquire(ctx, req.JobID, cand, userData)
		if err != nil {
			return nil, err
		}
		if result != nil {
			log.Infof("Acquired spot instance %s in %s (candidate %d/%d)",
				result.InstanceID, result.AvailabilityZone, i+1, len(candidates))
			return e.succeed(ctx, req, cand, result)
		}
	}

	log.Info("Spot phase exhausted, falling back to on-demand")

	var lastErr error
	for i, cand := range candidates {
		result, err := e.onDemand.TryAcquire(ctx, req.JobID, cand, userData)
		if err != nil {
			lastErr = err
			continue
		}
		log.Infof("Acquired on-demand instance %s in %s (candidate %d/%d)",
			result.InstanceID, result.AvailabilityZone, i+1, len(candidates))
		return e.succeed(ctx, req, cand, result)
	}

	exhausted := &ExhaustionError{Candidates: len(candidates), LastErr: lastErr}
	e.persistExhaustion(ctx, req.JobID, exhausted)
	return nil, exhausted
}

func (e *Engine) succeed(ctx context.Context, req LaunchRequest, cand models.ProvisionCandidate, result *models.AcquisitionResult) (*LaunchResult, error) {
	update := repository.JobUpdate{
		Status: repository.Status(models.JobStatusProcessing),
		InstanceInfo: &models.InstanceInfo{
			InstanceID:       result.InstanceID,
			Region:           result.Region,
			AcquisitionKind:  result.AcquisitionKind,
			AvailabilityZone: result.AvailabilityZone,
		},
		Reason: "instance_acquired",
	}
	if e.estimator != nil {
		if price := e.estimator.EstimateHourlyUSD(ctx, cand, result); price > 0 {
			update.EstimatedHourlyUSD = repository.Float64(price)
		}
	}
	if err := e.store.Update(ctx, req.JobID, update); err != nil {
		// The instance is up; a record write failure must not orphan it.
		e.logger.WithField("job_id", req.JobID).Errorf("Failed to persist acquisition: %v", err)
	}
	return &LaunchResult{JobID: req.JobID, Acquisition: result}, nil
}

func (e *Engine) persistExhaustion(ctx context.Context, jobID string, exhausted *ExhaustionError) {
	update := repository.JobUpdate{
		Status: repository.Status(models.JobStatusError),
		Error:  repository.String(exhausted.Error()),
		Reason: "provisioning_exhausted",
	}
	if err := e.store.Update(ctx, jobID, update); err != nil {
		e.logger.WithField("job_id", jobID).Errorf("Failed to persist exhaustion: %v", err)
	}
}
