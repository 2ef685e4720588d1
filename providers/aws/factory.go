package aws

import (
	"context"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/sirupsen/logrus"
)

// ClientFactory creates and caches one RegionClient per region.
type ClientFactory struct {
	baseCfg awssdk.Config
	keyName string
	logger  logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*RegionClient
}

// NewClientFactory loads the default AWS configuration once; per-region
// clients override only the region.
func NewClientFactory(ctx context.Context, keyName string, logger logrus.FieldLogger) (*ClientFactory, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &ClientFactory{
		baseCfg: cfg,
		keyName: keyName,
		logger:  logger,
		clients: make(map[string]*RegionClient),
	}, nil
}

// ClientFor returns the cached client for a region, creating it on first
// use.
func (f *ClientFactory) ClientFor(region string) *RegionClient {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[region]; ok {
		return c
	}
	api := ec2.NewFromConfig(f.baseCfg, func(o *ec2.Options) {
		o.Region = region
	})
	c := NewRegionClient(region, api, f.keyName, f.logger)
	f.clients[region] = c
	return c
}

// Config exposes the loaded AWS configuration so other service clients
// (S3, DynamoDB, Pricing) can share credentials with the EC2 clients.
func (f *ClientFactory) Config() awssdk.Config {
	return f.baseCfg
}
