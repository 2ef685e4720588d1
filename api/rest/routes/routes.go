package routes

import (
	"transcribe-orchestrator/api/rest/handlers"
	"transcribe-orchestrator/core/provision"
	"transcribe-orchestrator/core/reconcile"
	"transcribe-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, store repository.JobStore, engine *provision.Engine, reconciler *reconcile.Reconciler) {
	jobHandler := handlers.NewJobHandler(store, engine, reconciler)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/workers/check", jobHandler.CheckWorkers).Methods("GET")
	api.HandleFunc("/jobs/{id}/launch", jobHandler.LaunchJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/status", jobHandler.JobStatus).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", jobHandler.JobEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
}
