package aws

import (
	"context"
	"encoding/base64"
	"fmt"

	"transcribe-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

// Tag keys attached to worker instances. ManagedByValue is the job family
// tag the probe scans for.
const (
	TagName        = "Name"
	TagManagedBy   = "ManagedBy"
	TagJobID       = "JobId"
	TagAcquisition = "AcquisitionKind"

	ManagedByValue = "transcribe-orchestrator"
	WorkerName     = "transcribe-worker"
)

// API is the EC2 surface used by RegionClient. Narrowed for stubbing in
// tests.
type API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// RegionClient wraps the EC2 API for one region.
type RegionClient struct {
	region  string
	api     API
	keyName string
	logger  logrus.FieldLogger
}

// NewRegionClient creates a region client backed by the given EC2 API.
func NewRegionClient(region string, api API, keyName string, logger logrus.FieldLogger) *RegionClient {
	return &RegionClient{
		region:  region,
		api:     api,
		keyName: keyName,
		logger:  logger.WithField("region", region),
	}
}

// Region returns the region this client operates in.
func (c *RegionClient) Region() string {
	return c.region
}

// ResolveSecurityGroup looks up a security group ID by group name.
func (c *RegionClient) ResolveSecurityGroup(ctx context.Context, name string) (string, error) {
	out, err := c.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe security groups: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", fmt.Errorf("security group %q not found in %s", name, c.region)
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

// DefaultSubnets returns the default-VPC subnets of the region, in the
// order the API lists them.
func (c *RegionClient) DefaultSubnets(ctx context.Context) ([]models.Subnet, error) {
	out, err := c.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("default-for-az"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe subnets: %w", err)
	}
	subnets := make([]models.Subnet, 0, len(out.Subnets))
	for _, sn := range out.Subnets {
		subnets = append(subnets, models.Subnet{
			ID:               aws.ToString(sn.SubnetId),
			AvailabilityZone: aws.ToString(sn.AvailabilityZone),
		})
	}
	return subnets, nil
}

// VerifyImage checks that an AMI exists and is available in this region.
func (c *RegionClient) VerifyImage(ctx context.Context, imageID string) (bool, error) {
	out, err := c.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
		Filters: []types.Filter{
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return false, err
	}
	return len(out.Images) > 0, nil
}

// RequestSpot submits one one-time spot request for the candidate. The
// instance is not tagged here: tagging happens only after confirmed
// fulfillment, so abandoned requests never pollute the job family tag space.
func (c *RegionClient) RequestSpot(ctx context.Context, cand models.ProvisionCandidate, userData string) (*models.SpotRequest, error) {
	out, err := c.api.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		InstanceCount: aws.Int32(1),
		SpotPrice:     aws.String(cand.MaxSpotPrice),
		Type:          types.SpotInstanceTypeOneTime,
		LaunchSpecification: &types.RequestSpotLaunchSpecification{
			ImageId:          aws.String(cand.ImageID),
			InstanceType:     types.InstanceType(cand.InstanceType),
			SubnetId:         aws.String(cand.Subnet.ID),
			SecurityGroupIds: []string{cand.SecurityGroupID},
			KeyName:          keyNameOrNil(c.keyName),
			UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
			BlockDeviceMappings: []types.BlockDeviceMapping{
				{
					DeviceName: aws.String("/dev/sda1"),
					Ebs: &types.EbsBlockDevice{
						DeleteOnTermination: aws.Bool(true),
						VolumeSize:          aws.Int32(100),
						VolumeType:          types.VolumeTypeGp3,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request spot instance: %w", err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return nil, fmt.Errorf("spot request returned no request handle")
	}
	return spotRequestFromAPI(out.SpotInstanceRequests[0]), nil
}

// DescribeSpotRequest returns the current state of a spot request.
func (c *RegionClient) DescribeSpotRequest(ctx context.Context, requestID string) (*models.SpotRequest, error) {
	out, err := c.api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe spot request %s: %w", requestID, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return nil, fmt.Errorf("spot request %s not found", requestID)
	}
	return spotRequestFromAPI(out.SpotInstanceRequests[0]), nil
}

// CancelSpot cancels an abandoned spot request.
func (c *RegionClient) CancelSpot(ctx context.Context, requestID string) error {
	_, err := c.api.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		return fmt.Errorf("failed to cancel spot request %s: %w", requestID, err)
	}
	return nil
}

// RunOnDemand launches one on-demand instance for the candidate. Tags are
// attached atomically with the creation call.
func (c *RegionClient) RunOnDemand(ctx context.Context, cand models.ProvisionCandidate, tags map[string]string, userData string) (*models.AcquisitionResult, error) {
	out, err := c.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(cand.ImageID),
		InstanceType: types.InstanceType(cand.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		SubnetId:     aws.String(cand.Subnet.ID),
		SecurityGroupIds: []string{
			cand.SecurityGroupID,
		},
		KeyName:                           keyNameOrNil(c.keyName),
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					DeleteOnTermination: aws.Bool(true),
					VolumeSize:          aws.Int32(100),
					VolumeType:          types.VolumeTypeGp3,
				},
			},
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         ec2Tags(tags),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run on-demand instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run instances returned no instance")
	}
	inst := out.Instances[0]
	az := cand.Subnet.AvailabilityZone
	if inst.Placement != nil && aws.ToString(inst.Placement.AvailabilityZone) != "" {
		az = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return &models.AcquisitionResult{
		InstanceID:       aws.ToString(inst.InstanceId),
		Region:           c.region,
		AcquisitionKind:  models.AcquisitionOnDemand,
		AvailabilityZone: az,
	}, nil
}

// TagInstance attaches tags to an already-running instance (spot path).
func (c *RegionClient) TagInstance(ctx context.Context, instanceID string, tags map[string]string) error {
	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags(tags),
	})
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

// WorkersByTag scans the region for worker instances belonging to the job
// family, in running or pending state.
func (c *RegionClient) WorkersByTag(ctx context.Context) ([]models.RunningWorker, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + TagManagedBy), Values: []string{ManagedByValue}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	}
	var workers []models.RunningWorker
	for {
		out, err := c.api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe worker instances: %w", err)
		}
		for _, rsv := range out.Reservations {
			for _, inst := range rsv.Instances {
				w := models.RunningWorker{InstanceID: aws.ToString(inst.InstanceId)}
				if inst.LaunchTime != nil {
					w.LaunchTime = inst.LaunchTime.UTC().Format("2006-01-02T15:04:05Z")
				}
				for _, tag := range inst.Tags {
					if aws.ToString(tag.Key) == TagJobID {
						w.JobTag = aws.ToString(tag.Value)
					}
				}
				workers = append(workers, w)
			}
		}
		if out.NextToken == nil {
			return workers, nil
		}
		input.NextToken = out.NextToken
	}
}

// InstanceState returns the lifecycle state and availability zone of an
// instance.
func (c *RegionClient) InstanceState(ctx context.Context, instanceID string) (string, string, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			state := ""
			if inst.State != nil {
				state = string(inst.State.Name)
			}
			az := ""
			if inst.Placement != nil {
				az = aws.ToString(inst.Placement.AvailabilityZone)
			}
			return state, az, nil
		}
	}
	return "", "", fmt.Errorf("instance %s not found", instanceID)
}

func spotRequestFromAPI(req types.SpotInstanceRequest) *models.SpotRequest {
	return &models.SpotRequest{
		RequestID:  aws.ToString(req.SpotInstanceRequestId),
		State:      spotState(req.State),
		InstanceID: aws.ToString(req.InstanceId),
	}
}

// spotState maps EC2 request states to the model's lifecycle states. EC2
// reports "open" for unfulfilled requests.
func spotState(state types.SpotInstanceState) models.SpotRequestState {
	switch state {
	case types.SpotInstanceStateOpen:
		return models.SpotRequestPending
	case types.SpotInstanceStateActive:
		return models.SpotRequestActive
	case types.SpotInstanceStateCancelled:
		return models.SpotRequestCancelled
	case types.SpotInstanceStateFailed:
		return models.SpotRequestFailed
	case types.SpotInstanceStateClosed:
		return models.SpotRequestClosed
	default:
		return models.SpotRequestPending
	}
}

func ec2Tags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func keyNameOrNil(name string) *string {
	if name == "" {
		return nil
	}
	return aws.String(name)
}

// JobTags builds the tag set applied to a worker instance.
func JobTags(jobID string, kind models.AcquisitionKind) map[string]string {
	return map[string]string{
		TagName:        WorkerName,
		TagManagedBy:   ManagedByValue,
		TagJobID:       jobID,
		TagAcquisition: string(kind),
	}
}
