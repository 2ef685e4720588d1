package provision

import (
	"context"

	"transcribe-orchestrator/config"
	"transcribe-orchestrator/core/models"

	"github.com/sirupsen/logrus"
)

// RunningJobProbe scans every catalog region for a worker instance already
// tagged to this job family. Read-only; used as a pre-flight idempotency
// check and as the race-narrowing re-check before acquisition.
type RunningJobProbe struct {
	catalog *config.Catalog
	clients ClientFactory
	logger  logrus.FieldLogger
}

// NewRunningJobProbe creates a probe over the catalog regions.
func NewRunningJobProbe(catalog *config.Catalog, clients ClientFactory, logger logrus.FieldLogger) *RunningJobProbe {
	return &RunningJobProbe{
		catalog: catalog,
		clients: clients,
		logger:  logger,
	}
}

// FindRunning returns the first region with any running or pending worker.
// Regions are not merged: one hit is good enough evidence. A region-level
// query error is logged and skipped, and total failure across all regions
// reports no workers — the probe fails open, trading a narrow duplicate
// window for availability.
func (p *RunningJobProbe) FindRunning(ctx context.Context) models.ProbeResult {
	for _, region := range p.catalog.Regions {
		workers, err := p.clients.ClientFor(region.Name).WorkersByTag(ctx)
		if err != nil {
			p.logger.WithField("region", region.Name).Warnf("Worker probe failed: %v", err)
			continue
		}
		if len(workers) > 0 {
			return models.ProbeResult{
				Found:     true,
				Region:    region.Name,
				Instances: workers,
			}
		}
	}
	return models.ProbeResult{}
}
