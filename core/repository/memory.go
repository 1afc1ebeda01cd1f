package repository

import (
	"sort"
	"sync"
	"time"

	"media-orchestrator/core/models"
)

// MemoryStore is an in-memory Store for tests and standalone deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	instances map[string]*models.Instance
	events    []models.StateEvent
	nextEvent int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		instances: make(map[string]*models.Instance),
		nextEvent: 1,
	}
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func copyInstance(i *models.Instance) *models.Instance {
	c := *i
	return &c
}

func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) ListJobs(status *models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnfinishedJobs() ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) PutInstance(inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) GetInstance(id string) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstance(i), nil
}

func (s *MemoryStore) GetInstanceByJob(jobID string) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *models.Instance
	for _, i := range s.instances {
		if i.JobID != jobID {
			continue
		}
		if newest == nil || i.UpdatedAt.After(newest.UpdatedAt) {
			newest = i
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyInstance(newest), nil
}

func (s *MemoryStore) AppendEvent(ev models.StateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.nextEvent
	s.nextEvent++
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(jobID string, limit int) ([]models.StateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StateEvent
	for _, ev := range s.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
