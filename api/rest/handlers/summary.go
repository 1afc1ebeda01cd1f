package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"media-orchestrator/core/monitoring"
	"media-orchestrator/core/repository"
)

// SummaryHandler serves the aggregate spend and fleet view.
type SummaryHandler struct {
	store   repository.Store
	monitor *monitoring.BudgetMonitor
}

// NewSummaryHandler creates a new summary handler
func NewSummaryHandler(store repository.Store, monitor *monitoring.BudgetMonitor) *SummaryHandler {
	return &SummaryHandler{store: store, monitor: monitor}
}

// GetSummary handles GET /v1/summary
func (h *SummaryHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	startParam := r.URL.Query().Get("start_date")
	endParam := r.URL.Query().Get("end_date")

	start := time.Now().AddDate(0, 0, -30)
	end := time.Now()
	var err error
	if startParam != "" {
		if start, err = time.Parse(time.RFC3339, startParam); err != nil {
			http.Error(w, "Invalid start_date format", http.StatusBadRequest)
			return
		}
	}
	if endParam != "" {
		if end, err = time.Parse(time.RFC3339, endParam); err != nil {
			http.Error(w, "Invalid end_date format", http.StatusBadRequest)
			return
		}
	}

	jobs, err := h.store.ListJobs(nil, 1000)
	if err != nil {
		http.Error(w, "Failed to fetch jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	totalCost := 0.0
	runningCost := 0.0
	byStatus := map[string]int{}
	for _, job := range jobs {
		if job.SubmittedAt.Before(start) || job.SubmittedAt.After(end) {
			continue
		}
		byStatus[string(job.Status)]++
		if job.Status.Terminal() {
			totalCost += job.AccruedCostUSD
			continue
		}
		accrued := job.AccruedCostUSD
		if state, ok := h.monitor.Snapshot(job.ID); ok && state.AccruedUSD > accrued {
			accrued = state.AccruedUSD
		}
		runningCost += accrued
	}

	response := map[string]interface{}{
		"period": map[string]interface{}{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
		"costs": map[string]interface{}{
			"finished_usd": totalCost,
			"running_usd":  runningCost,
			"total_usd":    totalCost + runningCost,
		},
		"jobs": byStatus,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
