package provision

import (
	"context"
	"time"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/providers/aws"

	"github.com/sirupsen/logrus"
)

// Defaults for the spot fulfillment wait protocol. The wait bound is kept
// deliberately shorter than a typical spot fulfillment SLA so that across N
// candidates the pipeline still reaches the on-demand phase in bounded time.
const (
	DefaultSpotPollInterval = 10 * time.Second
	DefaultSpotWaitMax      = 3 * time.Minute
)

// SpotAcquirer attempts low-cost preemptible capacity for one candidate,
// with a bounded poll-and-wait protocol for fulfillment.
type SpotAcquirer struct {
	clients      ClientFactory
	clock        Clock
	pollInterval time.Duration
	waitMax      time.Duration
	logger       logrus.FieldLogger
}

// NewSpotAcquirer creates a spot acquirer. Zero durations fall back to the
// defaults.
func NewSpotAcquirer(clients ClientFactory, clock Clock, pollInterval, waitMax time.Duration, logger logrus.FieldLogger) *SpotAcquirer {
	if pollInterval <= 0 {
		pollInterval = DefaultSpotPollInterval
	}
	if waitMax <= 0 {
		waitMax = DefaultSpotWaitMax
	}
	return &SpotAcquirer{
		clients:      clients,
		clock:        clock,
		pollInterval: pollInterval,
		waitMax:      waitMax,
		logger:       logger,
	}
}

// TryAcquire submits one spot request for the candidate and waits for
// fulfillment. It returns nil (no error) when the request fails, is
// cancelled or closed, or does not resolve within the wait bound; a request
// abandoned on timeout is explicitly cancelled first so no billable
// reservation leaks. The instance is tagged only after confirmed
// fulfillment.
func (a *SpotAcquirer) TryAcquire(ctx context.Context, jobID string, cand models.ProvisionCandidate, userData string) (*models.AcquisitionResult, error) {
	client := a.clients.ClientFor(cand.Region)
	log := a.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"region": cand.Region,
		"subnet": cand.Subnet.ID,
	})

	req, err := client.RequestSpot(ctx, cand, userData)
	if err != nil {
		log.Warnf("Spot request failed: %v", err)
		return nil, nil
	}
	log.Infof("Spot request %s submitted, waiting for fulfillment", req.RequestID)

	deadline := a.clock.Now().Add(a.waitMax)
	for {
		if req.State == models.SpotRequestActive && req.InstanceID != "" {
			return a.confirm(ctx, client, jobID, cand, req, log)
		}
		if req.State == models.SpotRequestCancelled ||
			req.State == models.SpotRequestFailed ||
			req.State == models.SpotRequestClosed {
			log.Infof("Spot request %s ended in state %s", req.RequestID, req.State)
			return nil, nil
		}

		if !a.clock.Now().Before(deadline) {
			log.Infof("Spot request %s not fulfilled within %s, cancelling", req.RequestID, a.waitMax)
			a.cancel(ctx, client, req.RequestID, log)
			return nil, nil
		}
		if err := a.clock.Sleep(ctx, a.pollInterval); err != nil {
			a.cancel(ctx, client, req.RequestID, log)
			return nil, err
		}

		next, err := client.DescribeSpotRequest(ctx, req.RequestID)
		if err != nil {
			// Transient describe failure: keep the request alive and
			// retry on the next tick.
			log.Warnf("Spot request poll failed: %v", err)
			continue
		}
		req = next
	}
}

func (a *SpotAcquirer) confirm(ctx context.Context, client RegionClient, jobID string, cand models.ProvisionCandidate, req *models.SpotRequest, log logrus.FieldLogger) (*models.AcquisitionResult, error) {
	tags := aws.JobTags(jobID, models.AcquisitionSpot)
	if err := client.TagInstance(ctx, req.InstanceID, tags); err != nil {
		log.Warnf("Failed to tag spot instance %s: %v", req.InstanceID, err)
	}

	az := cand.Subnet.AvailabilityZone
	if state, instAZ, err := client.InstanceState(ctx, req.InstanceID); err == nil {
		log.Infof("Spot instance %s fulfilled in state %s", req.InstanceID, state)
		if instAZ != "" {
			az = instAZ
		}
	}

	return &models.AcquisitionResult{
		InstanceID:       req.InstanceID,
		Region:           cand.Region,
		AcquisitionKind:  models.AcquisitionSpot,
		AvailabilityZone: az,
	}, nil
}

// cancel is best-effort: a cancellation failure is logged, never propagated.
func (a *SpotAcquirer) cancel(ctx context.Context, client RegionClient, requestID string, log logrus.FieldLogger) {
	if err := client.CancelSpot(ctx, requestID); err != nil {
		log.Warnf("Failed to cancel spot request %s: %v", requestID, err)
	}
}
