package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"transcribe-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the DynamoDB surface used by the store.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoRecord is the table shape of a job record.
type dynamoRecord struct {
	JobID                 string             `dynamodbav:"job_id"`
	Bucket                string             `dynamodbav:"bucket"`
	InputKey              string             `dynamodbav:"input_key"`
	Filename              string             `dynamodbav:"filename"`
	Status                string             `dynamodbav:"status"`
	InstanceInfo          *dynamoInstance    `dynamodbav:"instance_info,omitempty"`
	EstimatedHourlyUSD    float64            `dynamodbav:"estimated_hourly_usd,omitempty"`
	OutputKey             string             `dynamodbav:"output_key,omitempty"`
	TranscriptKey         string             `dynamodbav:"transcript_key,omitempty"`
	ProcessingTimeMinutes float64            `dynamodbav:"processing_time_minutes,omitempty"`
	Error                 string             `dynamodbav:"error,omitempty"`
	Timestamp             string             `dynamodbav:"timestamp"`
	LastUpdated           string             `dynamodbav:"last_updated"`
	Events                []dynamoEvent      `dynamodbav:"events,omitempty"`
}

type dynamoInstance struct {
	InstanceID       string `dynamodbav:"instance_id"`
	Region           string `dynamodbav:"region"`
	AcquisitionKind  string `dynamodbav:"acquisition_kind"`
	AvailabilityZone string `dynamodbav:"availability_zone"`
}

type dynamoEvent struct {
	At         string `dynamodbav:"at"`
	FromStatus string `dynamodbav:"from_status,omitempty"`
	ToStatus   string `dynamodbav:"to_status"`
	Reason     string `dynamodbav:"reason"`
}

// DynamoStore is the DynamoDB-backed JobStore used by the serverless
// deployment.
type DynamoStore struct {
	api   DynamoAPI
	table string
}

// NewDynamoStore creates a DynamoDB job store from an AWS config.
func NewDynamoStore(cfg aws.Config, table string) *DynamoStore {
	return &DynamoStore{api: dynamodb.NewFromConfig(cfg), table: table}
}

// NewDynamoStoreWithAPI creates a store over an explicit API, for tests.
func NewDynamoStoreWithAPI(api DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{api: api, table: table}
}

// Create inserts a new record, failing if the job ID already exists.
func (s *DynamoStore) Create(ctx context.Context, record *models.JobRecord) error {
	now := time.Now().UTC()
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	record.LastUpdated = now

	item, err := attributevalue.MarshalMap(toDynamoRecord(record))
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}
	return nil
}

// Get retrieves a job record by ID.
func (s *DynamoStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"job_id": &types.AttributeValueMemberS{Value: jobID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load job record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var record dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return fromDynamoRecord(&record), nil
}

// Update applies a merge update via an update expression. Non-terminal
// status writes carry a condition so a late heartbeat can never overwrite
// a terminal status.
func (s *DynamoStore) Update(ctx context.Context, jobID string, update JobUpdate) error {
	now := time.Now().UTC().Format(time.RFC3339)

	names := map[string]string{"#lu": "last_updated"}
	values := map[string]types.AttributeValue{
		":lu": &types.AttributeValueMemberS{Value: now},
	}
	expr := "SET #lu = :lu"

	if update.Status != nil {
		names["#st"] = "status"
		values[":st"] = &types.AttributeValueMemberS{Value: string(*update.Status)}
		expr += ", #st = :st"
	}
	if update.InstanceInfo != nil {
		info, err := attributevalue.MarshalMap(&dynamoInstance{
			InstanceID:       update.InstanceInfo.InstanceID,
			Region:           update.InstanceInfo.Region,
			AcquisitionKind:  string(update.InstanceInfo.AcquisitionKind),
			AvailabilityZone: update.InstanceInfo.AvailabilityZone,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal instance info: %w", err)
		}
		names["#ii"] = "instance_info"
		values[":ii"] = &types.AttributeValueMemberM{Value: info}
		expr += ", #ii = :ii"
	}
	if update.OutputKey != nil {
		names["#ok"] = "output_key"
		values[":ok"] = &types.AttributeValueMemberS{Value: *update.OutputKey}
		expr += ", #ok = :ok"
	}
	if update.TranscriptKey != nil {
		names["#tk"] = "transcript_key"
		values[":tk"] = &types.AttributeValueMemberS{Value: *update.TranscriptKey}
		expr += ", #tk = :tk"
	}
	if update.ProcessingTimeMinutes != nil {
		names["#pt"] = "processing_time_minutes"
		values[":pt"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(*update.ProcessingTimeMinutes, 'f', -1, 64)}
		expr += ", #pt = :pt"
	}
	if update.Error != nil {
		names["#er"] = "error"
		values[":er"] = &types.AttributeValueMemberS{Value: *update.Error}
		expr += ", #er = :er"
	}
	if update.EstimatedHourlyUSD != nil {
		names["#eh"] = "estimated_hourly_usd"
		values[":eh"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(*update.EstimatedHourlyUSD, 'f', -1, 64)}
		expr += ", #eh = :eh"
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"job_id": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	if update.Status != nil && !update.Status.Terminal() {
		names["#st"] = "status"
		values[":completed"] = &types.AttributeValueMemberS{Value: string(models.JobStatusCompleted)}
		values[":failed"] = &types.AttributeValueMemberS{Value: string(models.JobStatusFailed)}
		input.ConditionExpression = aws.String("attribute_exists(job_id) AND NOT #st IN (:completed, :failed)")
	}

	_, err := s.api.UpdateItem(ctx, input)
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// Guard blocked the write; the record is terminal.
			return nil
		}
		return fmt.Errorf("failed to update job record: %w", err)
	}

	if update.Status != nil {
		return s.AppendEvent(ctx, models.JobEvent{
			JobID:    jobID,
			At:       time.Now().UTC(),
			ToStatus: *update.Status,
			Reason:   update.Reason,
		})
	}
	return nil
}

// ListByStatus scans for records in the given status. Job tables are small
// (one record per transcription job in flight) so a filtered scan is fine.
func (s *DynamoStore) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobRecord, error) {
	out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("#st = :st"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan job records: %w", err)
	}
	var records []*models.JobRecord
	for _, item := range out.Items {
		var record dynamoRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
		}
		records = append(records, fromDynamoRecord(&record))
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// AppendEvent appends one transition to the record's embedded event list.
func (s *DynamoStore) AppendEvent(ctx context.Context, event models.JobEvent) error {
	ev := dynamoEvent{
		At:       event.At.UTC().Format(time.RFC3339),
		ToStatus: string(event.ToStatus),
		Reason:   event.Reason,
	}
	if event.FromStatus != nil {
		ev.FromStatus = string(*event.FromStatus)
	}
	item, err := attributevalue.MarshalMap(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"job_id": &types.AttributeValueMemberS{Value: event.JobID},
		},
		UpdateExpression: aws.String("SET #ev = list_append(if_not_exists(#ev, :empty), :ev)"),
		ExpressionAttributeNames: map[string]string{
			"#ev": "events",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ev": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberM{Value: item},
			}},
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	return nil
}

// Events returns the record's embedded transition trail, newest first.
func (s *DynamoStore) Events(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"job_id": &types.AttributeValueMemberS{Value: jobID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load job record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var record dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}

	var events []models.JobEvent
	for i := len(record.Events) - 1; i >= 0; i-- {
		ev := record.Events[i]
		event := models.JobEvent{
			JobID:    jobID,
			ToStatus: models.JobStatus(ev.ToStatus),
			Reason:   ev.Reason,
		}
		if ev.FromStatus != "" {
			status := models.JobStatus(ev.FromStatus)
			event.FromStatus = &status
		}
		if t, err := time.Parse(time.RFC3339, ev.At); err == nil {
			event.At = t
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func toDynamoRecord(record *models.JobRecord) *dynamoRecord {
	out := &dynamoRecord{
		JobID:                 record.ID,
		Bucket:                record.Bucket,
		InputKey:              record.InputKey,
		Filename:              record.Filename,
		Status:                string(record.Status),
		EstimatedHourlyUSD:    record.EstimatedHourlyUSD,
		OutputKey:             record.OutputKey,
		TranscriptKey:         record.TranscriptKey,
		ProcessingTimeMinutes: record.ProcessingTimeMinutes,
		Error:                 record.Error,
		Timestamp:             record.Timestamp.UTC().Format(time.RFC3339),
		LastUpdated:           record.LastUpdated.UTC().Format(time.RFC3339),
	}
	if record.InstanceInfo != nil {
		out.InstanceInfo = &dynamoInstance{
			InstanceID:       record.InstanceInfo.InstanceID,
			Region:           record.InstanceInfo.Region,
			AcquisitionKind:  string(record.InstanceInfo.AcquisitionKind),
			AvailabilityZone: record.InstanceInfo.AvailabilityZone,
		}
	}
	return out
}

func fromDynamoRecord(record *dynamoRecord) *models.JobRecord {
	out := &models.JobRecord{
		ID:                    record.JobID,
		Bucket:                record.Bucket,
		InputKey:              record.InputKey,
		Filename:              record.Filename,
		Status:                models.JobStatus(record.Status),
		EstimatedHourlyUSD:    record.EstimatedHourlyUSD,
		OutputKey:             record.OutputKey,
		TranscriptKey:         record.TranscriptKey,
		ProcessingTimeMinutes: record.ProcessingTimeMinutes,
		Error:                 record.Error,
	}
	if record.InstanceInfo != nil {
		out.InstanceInfo = &models.InstanceInfo{
			InstanceID:       record.InstanceInfo.InstanceID,
			Region:           record.InstanceInfo.Region,
			AcquisitionKind:  models.AcquisitionKind(record.InstanceInfo.AcquisitionKind),
			AvailabilityZone: record.InstanceInfo.AvailabilityZone,
		}
	}
	if t, err := time.Parse(time.RFC3339, record.Timestamp); err == nil {
		out.Timestamp = t
	}
	if t, err := time.Parse(time.RFC3339, record.LastUpdated); err == nil {
		out.LastUpdated = t
	}
	return out
}
