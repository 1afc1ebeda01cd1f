package routes

import (
	"media-orchestrator/api/rest/handlers"
	"media-orchestrator/core/monitoring"
	"media-orchestrator/core/repository"
	"media-orchestrator/core/scheduler"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, store repository.Store, sched *scheduler.Scheduler, monitor *monitoring.BudgetMonitor) {
	jobHandler := handlers.NewJobHandler(store, sched)
	summaryHandler := handlers.NewSummaryHandler(store, monitor)

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/confirm", jobHandler.ConfirmJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/reject", jobHandler.RejectJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/cancel", jobHandler.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/budget", jobHandler.SetBudget).Methods("PUT")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")

	// Aggregates
	api.HandleFunc("/summary", summaryHandler.GetSummary).Methods("GET")

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
