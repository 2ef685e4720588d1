package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"transcribe-orchestrator/core/models"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// ec2stub provides canned EC2 responses and records the inputs it was
// called with.
type ec2stub struct {
	securityGroups []types.SecurityGroup
	subnets        []types.Subnet
	images         []types.Image
	spotRequests   []types.SpotInstanceRequest
	runReservation []types.Instance
	describePages  []*ec2.DescribeInstancesOutput
	describeIdx    int
	err            error

	sgInput     *ec2.DescribeSecurityGroupsInput
	subnetInput *ec2.DescribeSubnetsInput
	spotInput   *ec2.RequestSpotInstancesInput
	cancelInput *ec2.CancelSpotInstanceRequestsInput
	runInput    *ec2.RunInstancesInput
	tagsInput   *ec2.CreateTagsInput
	instInputs  []*ec2.DescribeInstancesInput
}

func (s *ec2stub) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	s.sgInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: s.securityGroups}, nil
}

func (s *ec2stub) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	s.subnetInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeSubnetsOutput{Subnets: s.subnets}, nil
}

func (s *ec2stub) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeImagesOutput{Images: s.images}, nil
}

func (s *ec2stub) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	s.instInputs = append(s.instInputs, params)
	if s.err != nil {
		return nil, s.err
	}
	if s.describeIdx < len(s.describePages) {
		out := s.describePages[s.describeIdx]
		s.describeIdx++
		return out, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (s *ec2stub) RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	s.spotInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.RequestSpotInstancesOutput{SpotInstanceRequests: s.spotRequests}, nil
}

func (s *ec2stub) DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: s.spotRequests}, nil
}

func (s *ec2stub) CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	s.cancelInput = params
	return &ec2.CancelSpotInstanceRequestsOutput{}, s.err
}

func (s *ec2stub) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	s.runInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.RunInstancesOutput{Instances: s.runReservation}, nil
}

func (s *ec2stub) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	s.tagsInput = params
	return &ec2.CreateTagsOutput{}, s.err
}

func (s *ec2stub) DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	return &ec2.DescribeSpotPriceHistoryOutput{}, s.err
}

type ClientSuite struct {
	stub   *ec2stub
	client *RegionClient
}

var _ = check.Suite(&ClientSuite{})

func (s *ClientSuite) SetUpTest(c *check.C) {
	s.stub = &ec2stub{}
	s.client = NewRegionClient("us-east-1", s.stub, "worker-key", testLogger())
}

func (s *ClientSuite) candidate() models.ProvisionCandidate {
	return models.ProvisionCandidate{
		Region:          "us-east-1",
		ImageID:         "ami-east",
		InstanceType:    "g4dn.xlarge",
		MaxSpotPrice:    "0.50",
		SecurityGroupID: "sg-east",
		Subnet:          models.Subnet{ID: "subnet-e1", AvailabilityZone: "us-east-1a"},
	}
}

func (s *ClientSuite) TestResolveSecurityGroup(c *check.C) {
	s.stub.securityGroups = []types.SecurityGroup{{GroupId: awssdk.String("sg-123")}}

	id, err := s.client.ResolveSecurityGroup(context.Background(), "transcribe")
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, "sg-123")
	c.Assert(s.stub.sgInput.Filters, check.HasLen, 1)
	c.Check(*s.stub.sgInput.Filters[0].Name, check.Equals, "group-name")
	c.Check(s.stub.sgInput.Filters[0].Values, check.DeepEquals, []string{"transcribe"})
}

func (s *ClientSuite) TestResolveSecurityGroupNotFound(c *check.C) {
	_, err := s.client.ResolveSecurityGroup(context.Background(), "missing")
	c.Check(err, check.ErrorMatches, `security group "missing" not found in us-east-1`)
}

func (s *ClientSuite) TestDefaultSubnets(c *check.C) {
	s.stub.subnets = []types.Subnet{
		{SubnetId: awssdk.String("subnet-1"), AvailabilityZone: awssdk.String("us-east-1a")},
		{SubnetId: awssdk.String("subnet-2"), AvailabilityZone: awssdk.String("us-east-1b")},
	}

	subnets, err := s.client.DefaultSubnets(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(subnets, check.DeepEquals, []models.Subnet{
		{ID: "subnet-1", AvailabilityZone: "us-east-1a"},
		{ID: "subnet-2", AvailabilityZone: "us-east-1b"},
	})
	c.Assert(s.stub.subnetInput.Filters, check.HasLen, 1)
	c.Check(*s.stub.subnetInput.Filters[0].Name, check.Equals, "default-for-az")
}

func (s *ClientSuite) TestVerifyImage(c *check.C) {
	available, err := s.client.VerifyImage(context.Background(), "ami-east")
	c.Assert(err, check.IsNil)
	c.Check(available, check.Equals, false)

	s.stub.images = []types.Image{{ImageId: awssdk.String("ami-east")}}
	available, err = s.client.VerifyImage(context.Background(), "ami-east")
	c.Assert(err, check.IsNil)
	c.Check(available, check.Equals, true)
}

func (s *ClientSuite) TestRequestSpot(c *check.C) {
	s.stub.spotRequests = []types.SpotInstanceRequest{{
		SpotInstanceRequestId: awssdk.String("sir-1"),
		State:                 types.SpotInstanceStateOpen,
	}}

	req, err := s.client.RequestSpot(context.Background(), s.candidate(), "#!/bin/bash\necho hi\n")
	c.Assert(err, check.IsNil)
	c.Check(req.RequestID, check.Equals, "sir-1")
	// EC2's "open" is an unfulfilled request.
	c.Check(req.State, check.Equals, models.SpotRequestPending)

	input := s.stub.spotInput
	c.Check(input.Type, check.Equals, types.SpotInstanceTypeOneTime)
	c.Check(*input.SpotPrice, check.Equals, "0.50")
	spec := input.LaunchSpecification
	c.Check(*spec.ImageId, check.Equals, "ami-east")
	c.Check(*spec.SubnetId, check.Equals, "subnet-e1")
	c.Check(spec.SecurityGroupIds, check.DeepEquals, []string{"sg-east"})
	c.Check(*spec.KeyName, check.Equals, "worker-key")

	decoded, err := base64.StdEncoding.DecodeString(*spec.UserData)
	c.Assert(err, check.IsNil)
	c.Check(string(decoded), check.Equals, "#!/bin/bash\necho hi\n")
}

func (s *ClientSuite) TestCancelSpot(c *check.C) {
	err := s.client.CancelSpot(context.Background(), "sir-1")
	c.Assert(err, check.IsNil)
	c.Check(s.stub.cancelInput.SpotInstanceRequestIds, check.DeepEquals, []string{"sir-1"})
}

func (s *ClientSuite) TestRunOnDemandTagsAtCreation(c *check.C) {
	s.stub.runReservation = []types.Instance{{
		InstanceId: awssdk.String("i-ondemand"),
		Placement:  &types.Placement{AvailabilityZone: awssdk.String("us-east-1b")},
	}}

	result, err := s.client.RunOnDemand(context.Background(), s.candidate(),
		JobTags("job-1", models.AcquisitionOnDemand), "#!/bin/bash\n")
	c.Assert(err, check.IsNil)
	c.Check(result.InstanceID, check.Equals, "i-ondemand")
	c.Check(result.AvailabilityZone, check.Equals, "us-east-1b")
	c.Check(result.AcquisitionKind, check.Equals, models.AcquisitionOnDemand)

	input := s.stub.runInput
	c.Check(input.InstanceInitiatedShutdownBehavior, check.Equals, types.ShutdownBehaviorTerminate)
	c.Assert(input.TagSpecifications, check.HasLen, 1)
	c.Check(input.TagSpecifications[0].ResourceType, check.Equals, types.ResourceTypeInstance)
	tags := make(map[string]string)
	for _, tag := range input.TagSpecifications[0].Tags {
		tags[*tag.Key] = *tag.Value
	}
	c.Check(tags[TagManagedBy], check.Equals, ManagedByValue)
	c.Check(tags[TagJobID], check.Equals, "job-1")
	c.Check(tags[TagAcquisition], check.Equals, "on-demand")
	c.Check(tags[TagName], check.Equals, WorkerName)
}

func (s *ClientSuite) TestWorkersByTagPaginates(c *check.C) {
	launch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.stub.describePages = []*ec2.DescribeInstancesOutput{
		{
			Reservations: []types.Reservation{{Instances: []types.Instance{{
				InstanceId: awssdk.String("i-1"),
				LaunchTime: &launch,
				Tags:       []types.Tag{{Key: awssdk.String(TagJobID), Value: awssdk.String("job-1")}},
			}}}},
			NextToken: awssdk.String("page2"),
		},
		{
			Reservations: []types.Reservation{{Instances: []types.Instance{{
				InstanceId: awssdk.String("i-2"),
			}}}},
		},
	}

	workers, err := s.client.WorkersByTag(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(workers, check.HasLen, 2)
	c.Check(workers[0].InstanceID, check.Equals, "i-1")
	c.Check(workers[0].JobTag, check.Equals, "job-1")
	c.Check(workers[0].LaunchTime, check.Equals, "2026-03-01T12:00:00Z")
	c.Check(workers[1].InstanceID, check.Equals, "i-2")

	// Scan filtered by the job family tag and live instance states.
	first := s.stub.instInputs[0]
	c.Assert(first.Filters, check.HasLen, 2)
	c.Check(*first.Filters[0].Name, check.Equals, "tag:"+TagManagedBy)
	c.Check(first.Filters[0].Values, check.DeepEquals, []string{ManagedByValue})
	c.Check(first.Filters[1].Values, check.DeepEquals, []string{"pending", "running"})
	// Second call carried the pagination token.
	c.Check(*s.stub.instInputs[1].NextToken, check.Equals, "page2")
}

func (s *ClientSuite) TestInstanceState(c *check.C) {
	s.stub.describePages = []*ec2.DescribeInstancesOutput{{
		Reservations: []types.Reservation{{Instances: []types.Instance{{
			InstanceId: awssdk.String("i-1"),
			State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
			Placement:  &types.Placement{AvailabilityZone: awssdk.String("us-east-1a")},
		}}}},
	}}

	state, az, err := s.client.InstanceState(context.Background(), "i-1")
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, "running")
	c.Check(az, check.Equals, "us-east-1a")
}

func (s *ClientSuite) TestInstanceStateNotFound(c *check.C) {
	_, _, err := s.client.InstanceState(context.Background(), "i-gone")
	c.Check(err, check.ErrorMatches, "instance i-gone not found")
}

func (s *ClientSuite) TestSpotStateMapping(c *check.C) {
	for apiState, want := range map[types.SpotInstanceState]models.SpotRequestState{
		types.SpotInstanceStateOpen:      models.SpotRequestPending,
		types.SpotInstanceStateActive:    models.SpotRequestActive,
		types.SpotInstanceStateCancelled: models.SpotRequestCancelled,
		types.SpotInstanceStateFailed:    models.SpotRequestFailed,
		types.SpotInstanceStateClosed:    models.SpotRequestClosed,
	} {
		c.Check(spotState(apiState), check.Equals, want,
			check.Commentf("state %s", apiState))
	}
}

func (s *ClientSuite) TestErrorsAreWrapped(c *check.C) {
	s.stub.err = fmt.Errorf("throttled")
	_, err := s.client.ResolveSecurityGroup(context.Background(), "transcribe")
	c.Check(err, check.ErrorMatches, "failed to describe security groups: throttled")
}
