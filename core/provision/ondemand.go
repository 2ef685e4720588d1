package provision

import (
	"context"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/providers/aws"

	"github.com/sirupsen/logrus"
)

// OnDemandAcquirer attempts guaranteed capacity for one candidate. No
// polling: on-demand acquisition either succeeds immediately or is rejected
// by the capacity/quota call. Tags are attached atomically with creation,
// unlike the spot path.
type OnDemandAcquirer struct {
	clients ClientFactory
	logger  logrus.FieldLogger
}

// NewOnDemandAcquirer creates an on-demand acquirer.
func NewOnDemandAcquirer(clients ClientFactory, logger logrus.FieldLogger) *OnDemandAcquirer {
	return &OnDemandAcquirer{clients: clients, logger: logger}
}

// TryAcquire launches one on-demand instance for the candidate.
func (a *OnDemandAcquirer) TryAcquire(ctx context.Context, jobID string, cand models.ProvisionCandidate, userData string) (*models.AcquisitionResult, error) {
	client := a.clients.ClientFor(cand.Region)
	tags := aws.JobTags(jobID, models.AcquisitionOnDemand)

	result, err := client.RunOnDemand(ctx, cand, tags, userData)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"region": cand.Region,
			"subnet": cand.Subnet.ID,
		}).Warnf("On-demand launch failed: %v", err)
		return nil, err
	}
	return result, nil
}
