// Command transcribe-lambda is the serverless entrypoint: one Lambda
// handles the check, launch and status actions against the DynamoDB job
// store, mirroring the daemon's HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcribe-orchestrator/config"
	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/provision"
	"transcribe-orchestrator/core/reconcile"
	"transcribe-orchestrator/core/repository"
	"transcribe-orchestrator/providers/aws"
	"transcribe-orchestrator/storage"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"
)

// Event is the Lambda input.
type Event struct {
	Action   string `json:"action"` // "check", "launch" or "status"
	JobID    string `json:"jobId"`
	Bucket   string `json:"bucket"`
	InputKey string `json:"inputKey"`
	Filename string `json:"filename"`
}

// Response is the Lambda output for all three actions.
type Response struct {
	HasRunning       bool                   `json:"hasRunning,omitempty"`
	Region           string                 `json:"region,omitempty"`
	Instances        []models.RunningWorker `json:"instances,omitempty"`
	JobID            string                 `json:"jobId,omitempty"`
	Skipped          bool                   `json:"skipped,omitempty"`
	InstanceID       string                 `json:"instanceId,omitempty"`
	AcquisitionKind  string                 `json:"acquisitionKind,omitempty"`
	AvailabilityZone string                 `json:"availabilityZone,omitempty"`
	IsComplete       bool                   `json:"isComplete,omitempty"`
	IsFailed         bool                   `json:"isFailed,omitempty"`
	ElapsedMinutes   float64                `json:"elapsedMinutes,omitempty"`
	InstanceRunning  bool                   `json:"instanceRunning,omitempty"`
	OutputsFound     bool                   `json:"outputsFound,omitempty"`
	InputMoved       bool                   `json:"inputMoved,omitempty"`
	OutputKey        string                 `json:"outputKey,omitempty"`
	TranscriptKey    string                 `json:"transcriptKey,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

type regionInstanceStates struct {
	clients *aws.ClientFactory
}

func (s regionInstanceStates) InstanceState(ctx context.Context, region, instanceID string) (string, error) {
	state, _, err := s.clients.ClientFor(region).InstanceState(ctx, instanceID)
	return state, err
}

var (
	logger     *logrus.Logger
	store      repository.JobStore
	engine     *provision.Engine
	reconciler *reconcile.Reconciler
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatalf("Failed to load region catalog: %v", err)
	}
	catalog.ApplyDefaults(cfg)

	awsFactory, err := aws.NewClientFactory(context.Background(), cfg.KeyName, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize AWS clients: %v", err)
	}
	clients := provision.ClientFactoryFunc(func(region string) provision.RegionClient {
		return awsFactory.ClientFor(region)
	})

	store = repository.NewDynamoStore(awsFactory.Config(), cfg.DynamoTable)

	probe := provision.NewRunningJobProbe(catalog, clients, logger)
	planner := provision.NewProvisionPlanner(catalog, clients, logger)
	spot := provision.NewSpotAcquirer(clients, provision.RealClock(), cfg.SpotPollInterval, cfg.SpotWaitMax, logger)
	onDemand := provision.NewOnDemandAcquirer(clients, logger)
	advisor := aws.NewPriceAdvisor(awsFactory.Config(), awsFactory, logger)
	engine = provision.NewEngine(probe, planner, spot, onDemand, store, advisor, aws.WorkerUserData, logger)

	artifacts := storage.NewArtifactStore(awsFactory.Config())
	reconciler = reconcile.NewReconciler(store, artifacts, regionInstanceStates{awsFactory}, cfg.FailAfter, logger)
}

func handler(ctx context.Context, event Event) (*Response, error) {
	switch event.Action {
	case "check":
		probe := engine.Check(ctx)
		return &Response{
			HasRunning: probe.Found,
			Region:     probe.Region,
			Instances:  probe.Instances,
		}, nil

	case "launch":
		if event.JobID == "" || event.Bucket == "" || event.InputKey == "" {
			return nil, fmt.Errorf("launch requires jobId, bucket and inputKey")
		}
		if _, err := store.Get(ctx, event.JobID); errors.Is(err, repository.ErrNotFound) {
			record := &models.JobRecord{
				ID:        event.JobID,
				Bucket:    event.Bucket,
				InputKey:  event.InputKey,
				Filename:  event.Filename,
				Status:    models.JobStatusValidating,
				Timestamp: time.Now(),
			}
			if err := store.Create(ctx, record); err != nil {
				return nil, fmt.Errorf("failed to create job record: %w", err)
			}
		}
		result, err := engine.Launch(ctx, provision.LaunchRequest{
			JobID:    event.JobID,
			Bucket:   event.Bucket,
			InputKey: event.InputKey,
			Filename: event.Filename,
		})
		if err != nil {
			// The caller routes an exhaustion error to its failure path.
			return nil, err
		}
		resp := &Response{JobID: result.JobID}
		if result.Skipped {
			resp.Skipped = true
			resp.HasRunning = true
			resp.Region = result.Probe.Region
		} else {
			resp.InstanceID = result.Acquisition.InstanceID
			resp.Region = result.Acquisition.Region
			resp.AcquisitionKind = string(result.Acquisition.AcquisitionKind)
			resp.AvailabilityZone = result.Acquisition.AvailabilityZone
		}
		return resp, nil

	case "status":
		if event.JobID == "" {
			return nil, fmt.Errorf("status requires jobId")
		}
		report := reconciler.Reconcile(ctx, event.JobID)
		return &Response{
			JobID:           report.JobID,
			IsComplete:      report.IsComplete,
			IsFailed:        report.IsFailed,
			ElapsedMinutes:  report.ElapsedMinutes,
			InstanceRunning: report.InstanceRunning,
			OutputsFound:    report.OutputsFound,
			InputMoved:      report.InputMoved,
			OutputKey:       report.OutputKey,
			TranscriptKey:   report.TranscriptKey,
			Error:           report.Error,
		}, nil

	default:
		return nil, fmt.Errorf("unknown action %q", event.Action)
	}
}

func main() {
	lambda.Start(handler)
}
