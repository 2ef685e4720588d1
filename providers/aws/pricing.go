package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"transcribe-orchestrator/core/models"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/sirupsen/logrus"
)

// PriceAdvisor estimates the hourly cost of an acquisition so it can be
// recorded on the job record at launch. Estimates are advisory: a lookup
// failure never blocks provisioning.
type PriceAdvisor struct {
	pricingClient *pricing.Client
	clients       *ClientFactory
	logger        logrus.FieldLogger
}

// NewPriceAdvisor creates a price advisor. The Pricing API is only served
// from us-east-1.
func NewPriceAdvisor(cfg awssdk.Config, clients *ClientFactory, logger logrus.FieldLogger) *PriceAdvisor {
	return &PriceAdvisor{
		pricingClient: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			o.Region = "us-east-1"
		}),
		clients: clients,
		logger:  logger,
	}
}

// EstimateHourlyUSD returns the best available estimate for an acquisition:
// the latest spot price for spot instances, the on-demand rate otherwise.
// Returns 0 when neither source answers.
func (a *PriceAdvisor) EstimateHourlyUSD(ctx context.Context, cand models.ProvisionCandidate, result *models.AcquisitionResult) float64 {
	log := a.logger.WithField("region", result.Region)
	if result.AcquisitionKind == models.AcquisitionSpot {
		price, err := a.clients.ClientFor(result.Region).SpotHourlyUSD(ctx, cand.InstanceType, result.AvailabilityZone)
		if err == nil {
			return price
		}
		log.Warnf("Spot price lookup failed: %v", err)
	}
	price, err := a.onDemandHourlyUSD(ctx, cand.InstanceType, result.Region)
	if err != nil {
		log.Warnf("On-demand price lookup failed: %v", err)
		return 0
	}
	return price
}

// onDemandHourlyUSD queries the Pricing API for the on-demand rate of the
// instance type in a region.
func (a *PriceAdvisor) onDemandHourlyUSD(ctx context.Context, instanceType, region string) (float64, error) {
	out, err := a.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: awssdk.String("AmazonEC2"),
		MaxResults:  awssdk.Int32(10),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("instanceType"), Value: awssdk.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("regionCode"), Value: awssdk.String(region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("operatingSystem"), Value: awssdk.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("tenancy"), Value: awssdk.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("preInstalledSw"), Value: awssdk.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: awssdk.String("capacitystatus"), Value: awssdk.String("Used")},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch on-demand pricing: %w", err)
	}
	for _, item := range out.PriceList {
		price, err := parseOnDemandPrice(item)
		if err != nil {
			continue
		}
		return price, nil
	}
	return 0, fmt.Errorf("no on-demand price found for %s in %s", instanceType, region)
}

// SpotHourlyUSD returns the most recent spot price for the instance type in
// the given availability zone.
func (c *RegionClient) SpotHourlyUSD(ctx context.Context, instanceType, availabilityZone string) (float64, error) {
	out, err := c.api.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		AvailabilityZone:    awssdk.String(availabilityZone),
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           awssdk.Time(time.Now().Add(-time.Hour)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch spot price history: %w", err)
	}
	prices := out.SpotPriceHistory
	if len(prices) == 0 {
		return 0, fmt.Errorf("no spot price history for %s in %s", instanceType, availabilityZone)
	}
	sort.Slice(prices, func(i, j int) bool {
		return awssdk.ToTime(prices[i].Timestamp).After(awssdk.ToTime(prices[j].Timestamp))
	})
	return strconv.ParseFloat(awssdk.ToString(prices[0].SpotPrice), 64)
}

// parseOnDemandPrice digs the USD rate out of a Pricing API product
// document.
func parseOnDemandPrice(item string) (float64, error) {
	var doc struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(item), &doc); err != nil {
		return 0, err
	}
	for _, term := range doc.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			return strconv.ParseFloat(dim.PricePerUnit.USD, 64)
		}
	}
	return 0, fmt.Errorf("no price dimension in product document")
}
