package models

import "time"

// StateEvent records a single state transition of a job or an instance.
// One event is emitted per transition and consumed by the notification and
// persistence collaborators.
type StateEvent struct {
	ID         int64
	JobID      string
	InstanceID string // empty for job-level transitions
	From       string
	To         string
	At         time.Time
	Detail     string
}
