package provision

import (
	"context"

	"transcribe-orchestrator/config"
	"transcribe-orchestrator/core/models"

	"github.com/sirupsen/logrus"
)

// ProvisionPlanner expands the region catalog into a flat ordered list of
// (region, subnet) candidates. The same list is reused for the spot and
// on-demand phases so the fallback tries placements in identical priority
// order.
type ProvisionPlanner struct {
	catalog *config.Catalog
	clients ClientFactory
	logger  logrus.FieldLogger
}

// NewProvisionPlanner creates a planner over the catalog regions.
func NewProvisionPlanner(catalog *config.Catalog, clients ClientFactory, logger logrus.FieldLogger) *ProvisionPlanner {
	return &ProvisionPlanner{
		catalog: catalog,
		clients: clients,
		logger:  logger,
	}
}

// Plan builds the candidate list in strict catalog order. A region is
// skipped, never fatal, when its image is unset or unavailable, its
// security group cannot be resolved, or it has no default-VPC subnets.
func (p *ProvisionPlanner) Plan(ctx context.Context) []models.ProvisionCandidate {
	var candidates []models.ProvisionCandidate

	for _, region := range p.catalog.Regions {
		log := p.logger.WithField("region", region.Name)

		if region.ImageID == "" || region.ImageID == config.ImagePlaceholder {
			log.Debug("Skipping region: no image configured")
			continue
		}

		client := p.clients.ClientFor(region.Name)

		available, err := client.VerifyImage(ctx, region.ImageID)
		if err != nil {
			log.Warnf("Skipping region: image lookup failed: %v", err)
			continue
		}
		if !available {
			log.Warnf("Skipping region: image %s not available", region.ImageID)
			continue
		}

		sgID, err := client.ResolveSecurityGroup(ctx, region.SecurityGroupName)
		if err != nil {
			log.Warnf("Skipping region: %v", err)
			continue
		}

		subnets, err := client.DefaultSubnets(ctx)
		if err != nil {
			log.Warnf("Skipping region: %v", err)
			continue
		}
		if len(subnets) == 0 {
			log.Warn("Skipping region: no default subnets")
			continue
		}

		for _, subnet := range subnets {
			candidates = append(candidates, models.ProvisionCandidate{
				Region:          region.Name,
				ImageID:         region.ImageID,
				InstanceType:    region.InstanceType,
				MaxSpotPrice:    region.MaxSpotPrice,
				SecurityGroupID: sgID,
				Subnet:          subnet,
			})
		}
	}

	return candidates
}
