package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"media-orchestrator/core/models"
	"media-orchestrator/core/repository"
	"media-orchestrator/core/scheduler"
	"media-orchestrator/core/spec"

	"github.com/gorilla/mux"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	store     repository.Store
	scheduler *scheduler.Scheduler
}

// NewJobHandler creates a new job handler
func NewJobHandler(store repository.Store, sched *scheduler.Scheduler) *JobHandler {
	return &JobHandler{store: store, scheduler: sched}
}

// SubmitJobRequest represents the request to submit a job
type SubmitJobRequest struct {
	Name     string `json:"name"`
	SpecYAML string `json:"spec_yaml"`
}

// SubmitJobResponse represents the response after submitting a job
type SubmitJobResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := spec.ParseJobSpec(req.SpecYAML)
	if err != nil {
		http.Error(w, "Invalid job spec: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		job.Name = req.Name
	}

	if _, err := h.scheduler.Submit(job); err != nil {
		if errors.Is(err, scheduler.ErrInvalidJob) {
			http.Error(w, "Invalid job spec: "+err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to submit job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := SubmitJobResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	job, err := h.store.GetJob(jobID)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":     job.ID,
		"name":   job.Name,
		"status": job.Status,
		"media": map[string]interface{}{
			"type":       job.Media.Type,
			"resolution": job.Media.Resolution,
			"size_gb":    job.Media.SizeGB,
		},
		"priority": job.Priority,
		"privacy":  job.Privacy,
		"cost": map[string]interface{}{
			"accrued_usd": job.AccruedCostUSD,
		},
		"timestamps": map[string]interface{}{
			"submitted_at": job.SubmittedAt,
			"started_at":   job.StartedAt,
			"finished_at":  job.FinishedAt,
		},
	}
	if job.FailureReason != "" {
		response["failure_reason"] = job.FailureReason
	}
	if job.PartialResults {
		response["partial_results"] = true
	}
	if job.BudgetCeiling != nil {
		response["budget_ceiling_usd"] = *job.BudgetCeiling
	}
	if est := job.InitialEstimate; est != nil {
		response["initial_estimate"] = estimateBody(est)
	}
	if est := job.RefinedEstimate; est != nil {
		response["refined_estimate"] = estimateBody(est)
	}
	if job.Candidate != nil {
		response["selected"] = map[string]interface{}{
			"provider":        job.Candidate.Provider,
			"instance_class":  job.Candidate.InstanceClass,
			"hourly_rate_usd": job.Candidate.HourlyRateUSD,
			"spot":            job.Candidate.Spot,
		}
	}
	if inst, err := h.store.GetInstanceByJob(jobID); err == nil {
		response["instance"] = map[string]interface{}{
			"id":     inst.ID,
			"state":  inst.State,
			"handle": inst.Handle,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func estimateBody(est *models.CostEstimate) map[string]interface{} {
	return map[string]interface{}{
		"provider":           est.Provider,
		"instance_class":     est.InstanceClass,
		"projected_duration": est.ProjectedDuration.String(),
		"point_usd":          est.PointCostUSD,
		"low_usd":            est.LowUSD,
		"high_usd":           est.HighUSD,
	}
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		fmt.Sscanf(limitParam, "%d", &limit)
	}

	var status *models.JobStatus
	if statusParam != "" {
		s := models.JobStatus(statusParam)
		status = &s
	}

	jobs, err := h.store.ListJobs(status, limit)
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = map[string]interface{}{
			"id":           job.ID,
			"name":         job.Name,
			"status":       job.Status,
			"media_type":   job.Media.Type,
			"priority":     job.Priority,
			"accrued_usd":  job.AccruedCostUSD,
			"submitted_at": job.SubmittedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": items,
	})
}

// ConfirmJob handles POST /v1/jobs/{id}/confirm
func (h *JobHandler) ConfirmJob(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.scheduler.Confirm, "confirmed")
}

// RejectJob handles POST /v1/jobs/{id}/reject
func (h *JobHandler) RejectJob(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.scheduler.Reject, "rejected")
}

func (h *JobHandler) decide(w http.ResponseWriter, r *http.Request, fn func(string) error, result string) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	if err := fn(jobID); err != nil {
		writeControlError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     jobID,
		"result": result,
	})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	if err := h.scheduler.Cancel(jobID); err != nil {
		writeControlError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     jobID,
		"status": "cancelling",
	})
}

// SetBudgetRequest carries the new ceiling for a job.
type SetBudgetRequest struct {
	CeilingUSD float64 `json:"ceiling_usd"`
}

// SetBudget handles PUT /v1/jobs/{id}/budget
func (h *JobHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	var req SetBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.scheduler.SetBudget(jobID, req.CeilingUSD); err != nil {
		writeControlError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":          jobID,
		"ceiling_usd": req.CeilingUSD,
	})
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["id"]

	if _, err := h.store.GetJob(jobID); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	events, err := h.store.ListEvents(jobID, 100)
	if err != nil {
		http.Error(w, "Failed to fetch events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":     event.At,
			"from":   event.From,
			"to":     event.To,
			"detail": event.Detail,
		}
		if event.InstanceID != "" {
			item["instance_id"] = event.InstanceID
		}
		items[i] = item
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": items,
	})
}

func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrInvalidJob):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
