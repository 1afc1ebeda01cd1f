package scheduler

import (
	"container/heap"
	"sync"

	"media-orchestrator/core/models"
)

// JobQueue orders jobs priority-first, FIFO within a priority class.
type JobQueue struct {
	mu      sync.Mutex
	jobs    []*queuedJob
	nextSeq uint64
}

type queuedJob struct {
	job   *models.Job
	seq   uint64 // admission order, breaks ties within a priority class
	index int
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	jq := &JobQueue{}
	heap.Init((*jobHeap)(jq))
	return jq
}

// Enqueue adds a job.
func (jq *JobQueue) Enqueue(job *models.Job) {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	heap.Push((*jobHeap)(jq), &queuedJob{job: job, seq: jq.nextSeq})
	jq.nextSeq++
}

// Pop removes and returns the next job, or nil when the queue is empty.
func (jq *JobQueue) Pop() *models.Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	if len(jq.jobs) == 0 {
		return nil
	}
	item := heap.Pop((*jobHeap)(jq)).(*queuedJob)
	return item.job
}

// Len returns the number of queued jobs.
func (jq *JobQueue) Len() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return len(jq.jobs)
}

// jobHeap implements heap.Interface; callers hold jq.mu.
type jobHeap JobQueue

func (h *jobHeap) Len() int { return len(h.jobs) }

func (h *jobHeap) Less(i, j int) bool {
	a, b := h.jobs[i], h.jobs[j]
	if ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank(); ra != rb {
		return ra > rb
	}
	return a.seq < b.seq
}

func (h *jobHeap) Swap(i, j int) {
	h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i]
	h.jobs[i].index = i
	h.jobs[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*queuedJob)
	item.index = len(h.jobs)
	h.jobs = append(h.jobs, item)
}

func (h *jobHeap) Pop() interface{} {
	old := h.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.jobs = old[:n-1]
	return item
}
