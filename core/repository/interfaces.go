// Package repository persists the durable records the orchestrator needs
// for crash recovery: one record per job, one per instance, plus the
// state-transition event log.
package repository

import (
	"errors"

	"media-orchestrator/core/models"
)

// Store is the persistence contract. The Postgres implementation backs
// production deployments; the memory implementation backs tests and
// standalone runs.
type Store interface {
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	ListJobs(status *models.JobStatus, limit int) ([]*models.Job, error)
	// ListUnfinishedJobs returns every job in a non-terminal state, used by
	// restart reconciliation.
	ListUnfinishedJobs() ([]*models.Job, error)

	PutInstance(inst *models.Instance) error
	GetInstance(id string) (*models.Instance, error)
	GetInstanceByJob(jobID string) (*models.Instance, error)

	AppendEvent(ev models.StateEvent) error
	ListEvents(jobID string, limit int) ([]models.StateEvent, error)

	Close() error
}

// ErrNotFound is returned when a job or instance does not exist.
var ErrNotFound = errors.New("not found")
