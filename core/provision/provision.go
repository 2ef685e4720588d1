// Package provision acquires one GPU worker instance per transcription job,
// preferring spot capacity and falling back to on-demand across an ordered
// region catalog.
package provision

import (
	"context"

	"transcribe-orchestrator/core/models"
)

// RegionClient is the per-region cloud capability surface the provisioning
// components run against. One concrete implementation lives in
// providers/aws; tests substitute stubs.
type RegionClient interface {
	Region() string
	ResolveSecurityGroup(ctx context.Context, name string) (string, error)
	DefaultSubnets(ctx context.Context) ([]models.Subnet, error)
	VerifyImage(ctx context.Context, imageID string) (bool, error)
	RequestSpot(ctx context.Context, cand models.ProvisionCandidate, userData string) (*models.SpotRequest, error)
	DescribeSpotRequest(ctx context.Context, requestID string) (*models.SpotRequest, error)
	CancelSpot(ctx context.Context, requestID string) error
	RunOnDemand(ctx context.Context, cand models.ProvisionCandidate, tags map[string]string, userData string) (*models.AcquisitionResult, error)
	TagInstance(ctx context.Context, instanceID string, tags map[string]string) error
	WorkersByTag(ctx context.Context) ([]models.RunningWorker, error)
	InstanceState(ctx context.Context, instanceID string) (state, availabilityZone string, err error)
}

// ClientFactory hands out the client for a region.
type ClientFactory interface {
	ClientFor(region string) RegionClient
}

// ClientFactoryFunc adapts a function to the ClientFactory interface.
type ClientFactoryFunc func(region string) RegionClient

// ClientFor implements ClientFactory.
func (f ClientFactoryFunc) ClientFor(region string) RegionClient {
	return f(region)
}
