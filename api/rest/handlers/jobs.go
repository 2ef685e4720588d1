package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/provision"
	"transcribe-orchestrator/core/reconcile"
	"transcribe-orchestrator/core/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	store      repository.JobStore
	engine     *provision.Engine
	reconciler *reconcile.Reconciler
}

// NewJobHandler creates a new job handler
func NewJobHandler(store repository.JobStore, engine *provision.Engine, reconciler *reconcile.Reconciler) *JobHandler {
	return &JobHandler{
		store:      store,
		engine:     engine,
		reconciler: reconciler,
	}
}

// CheckResponse reports workers already running for the job family.
type CheckResponse struct {
	HasRunning bool                   `json:"hasRunning"`
	Region     string                 `json:"region,omitempty"`
	Instances  []models.RunningWorker `json:"instances,omitempty"`
}

// CheckWorkers handles GET /v1/workers/check
func (h *JobHandler) CheckWorkers(w http.ResponseWriter, r *http.Request) {
	probe := h.engine.Check(r.Context())
	writeJSON(w, http.StatusOK, CheckResponse{
		HasRunning: probe.Found,
		Region:     probe.Region,
		Instances:  probe.Instances,
	})
}

// LaunchRequest is the body for POST /v1/jobs/{id}/launch.
type LaunchRequest struct {
	Bucket   string `json:"bucket"`
	InputKey string `json:"inputKey"`
	Filename string `json:"filename"`
}

// LaunchResponse is the launch outcome.
type LaunchResponse struct {
	JobID            string `json:"jobId"`
	Skipped          bool   `json:"skipped,omitempty"`
	HasRunning       bool   `json:"hasRunning,omitempty"`
	Region           string `json:"region,omitempty"`
	InstanceID       string `json:"instanceId,omitempty"`
	AcquisitionKind  string `json:"acquisitionKind,omitempty"`
	AvailabilityZone string `json:"availabilityZone,omitempty"`
}

// LaunchJob handles POST /v1/jobs/{id}/launch. It creates the job record
// if the admission layer has not already, then runs the provisioning
// engine.
func (h *JobHandler) LaunchJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if jobID == "" {
		jobID = uuid.New().String()
	}

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Bucket == "" || req.InputKey == "" || req.Filename == "" {
		http.Error(w, "bucket, inputKey and filename are required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.Get(r.Context(), jobID); errors.Is(err, repository.ErrNotFound) {
		record := &models.JobRecord{
			ID:        jobID,
			Bucket:    req.Bucket,
			InputKey:  req.InputKey,
			Filename:  req.Filename,
			Status:    models.JobStatusValidating,
			Timestamp: time.Now(),
		}
		if err := h.store.Create(r.Context(), record); err != nil {
			http.Error(w, "Failed to create job record: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	result, err := h.engine.Launch(r.Context(), provision.LaunchRequest{
		JobID:    jobID,
		Bucket:   req.Bucket,
		InputKey: req.InputKey,
		Filename: req.Filename,
	})
	if err != nil {
		if errors.Is(err, provision.ErrCapacityExhausted) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Launch failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := LaunchResponse{JobID: result.JobID}
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
	writeJSON(w, http.StatusOK, resp)
}

// StatusResponse is one reconciliation report.
type StatusResponse struct {
	JobID           string  `json:"jobId"`
	IsComplete      bool    `json:"isComplete"`
	IsFailed        bool    `json:"isFailed"`
	ElapsedMinutes  float64 `json:"elapsedMinutes"`
	InstanceRunning bool    `json:"instanceRunning"`
	OutputsFound    bool    `json:"outputsFound"`
	InputMoved      bool    `json:"inputMoved"`
	OutputKey       string  `json:"outputKey,omitempty"`
	TranscriptKey   string  `json:"transcriptKey,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// JobStatus handles GET /v1/jobs/{id}/status: it runs one reconciliation
// pass and returns the report.
func (h *JobHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	report := h.reconciler.Reconcile(r.Context(), jobID)
	writeJSON(w, http.StatusOK, StatusResponse{
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
	})
}

// JobRecordResponse is the persisted view of a job.
type JobRecordResponse struct {
	ID                    string               `json:"id"`
	Status                models.JobStatus     `json:"status"`
	Bucket                string               `json:"bucket"`
	InputKey              string               `json:"inputKey"`
	Filename              string               `json:"filename"`
	InstanceInfo          *models.InstanceInfo `json:"instanceInfo,omitempty"`
	Timestamp             time.Time            `json:"timestamp"`
	LastUpdated           time.Time            `json:"lastUpdated"`
	OutputKey             string               `json:"outputKey,omitempty"`
	TranscriptKey         string               `json:"transcriptKey,omitempty"`
	ProcessingTimeMinutes float64              `json:"processingTimeMinutes,omitempty"`
	EstimatedHourlyUSD    float64              `json:"estimatedHourlyUSD,omitempty"`
	Error                 string               `json:"error,omitempty"`
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	record, err := h.store.Get(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, JobRecordResponse{
		ID:                    record.ID,
		Status:                record.Status,
		Bucket:                record.Bucket,
		InputKey:              record.InputKey,
		Filename:              record.Filename,
		InstanceInfo:          record.InstanceInfo,
		Timestamp:             record.Timestamp,
		LastUpdated:           record.LastUpdated,
		OutputKey:             record.OutputKey,
		TranscriptKey:         record.TranscriptKey,
		ProcessingTimeMinutes: record.ProcessingTimeMinutes,
		EstimatedHourlyUSD:    record.EstimatedHourlyUSD,
		Error:                 record.Error,
	})
}

// EventLister is the optional store capability behind the events endpoint.
// Both shipped stores implement it.
type EventLister interface {
	Events(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// JobEventResponse is one entry of the status transition trail.
type JobEventResponse struct {
	At         time.Time         `json:"at"`
	FromStatus *models.JobStatus `json:"fromStatus,omitempty"`
	ToStatus   models.JobStatus  `json:"toStatus"`
	Reason     string            `json:"reason,omitempty"`
}

// JobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) JobEvents(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.store.(EventLister)
	if !ok {
		http.Error(w, "Event trail not supported by this store", http.StatusNotImplemented)
		return
	}
	jobID := mux.Vars(r)["id"]
	events, err := lister.Events(r.Context(), jobID, 100)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load job events: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]JobEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, JobEventResponse{
			At:         event.At,
			FromStatus: event.FromStatus,
			ToStatus:   event.ToStatus,
			Reason:     event.Reason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
