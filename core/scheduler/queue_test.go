package scheduler

import (
	"testing"

	"media-orchestrator/core/models"
)

func newQueuedJob(id string, p models.Priority) *models.Job {
	return &models.Job{ID: id, Priority: p}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewJobQueue()
	q.Enqueue(newQueuedJob("low", models.PriorityLow))
	q.Enqueue(newQueuedJob("critical", models.PriorityCritical))
	q.Enqueue(newQueuedJob("normal", models.PriorityNormal))
	q.Enqueue(newQueuedJob("high", models.PriorityHigh))

	want := []string{"critical", "high", "normal", "low"}
	for _, id := range want {
		got := q.Pop()
		if got == nil || got.ID != id {
			t.Fatalf("Pop = %v, want %s", got, id)
		}
	}
	if q.Pop() != nil {
		t.Error("empty queue should pop nil")
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewJobQueue()
	q.Enqueue(newQueuedJob("a", models.PriorityNormal))
	q.Enqueue(newQueuedJob("b", models.PriorityNormal))
	q.Enqueue(newQueuedJob("c", models.PriorityNormal))

	for _, id := range []string{"a", "b", "c"} {
		if got := q.Pop(); got.ID != id {
			t.Fatalf("Pop = %s, want %s", got.ID, id)
		}
	}
}

func TestQueueLen(t *testing.T) {
	q := NewJobQueue()
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	q.Enqueue(newQueuedJob("a", models.PriorityNormal))
	q.Enqueue(newQueuedJob("b", models.PriorityHigh))
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}
