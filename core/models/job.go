package models

import "time"

// Job represents a media analysis job submitted to the orchestrator
type Job struct {
	ID              string
	Name            string
	Media           MediaProfile
	Requirements    ResourceRequirements
	Priority        Priority
	Privacy         bool // restricted to local/private-pool providers
	BudgetCeiling   *float64
	Deadline        *time.Time
	Status          JobStatus
	FailureReason   string
	Candidate       *Candidate // chosen placement, nil until placing succeeds
	InstanceID      string
	InitialEstimate *CostEstimate
	RefinedEstimate *CostEstimate
	AccruedCostUSD  float64
	PartialResults  bool // partial output saved before an abort
	SpecYAML        string
	SubmittedAt     time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
}

// MediaType represents the kind of media being analyzed
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
)

// ResolutionClass buckets media resolution for estimation purposes
type ResolutionClass string

const (
	Resolution480p  ResolutionClass = "480p"
	Resolution720p  ResolutionClass = "720p"
	Resolution1080p ResolutionClass = "1080p"
	Resolution4K    ResolutionClass = "4k"
)

// MediaProfile describes the media a job will analyze. Complexity is a
// score in [0,1] sampled from a bounded prefix of the media, never the
// full file.
type MediaProfile struct {
	Type            MediaType
	DurationSeconds float64 // video/audio
	Count           int     // image batches
	Resolution      ResolutionClass
	SizeGB          float64
	Complexity      float64
}

// ResourceRequirements specifies the minimum compute profile a job needs
type ResourceRequirements struct {
	MinVRAMGB        int
	MinComputeTFLOPS float64
}

// Priority represents job priority
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns a numeric rank for queue ordering; higher runs first.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// Urgent reports whether the priority qualifies for availability-delay
// promotion during placement.
func (p Priority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusSubmitted              JobStatus = "submitted"
	JobStatusEstimating             JobStatus = "estimating"
	JobStatusAwaitingConfirmation   JobStatus = "awaiting_confirmation"
	JobStatusQueued                 JobStatus = "queued"
	JobStatusPlacing                JobStatus = "placing"
	JobStatusProvisioning           JobStatus = "provisioning"
	JobStatusAwaitingReconfirmation JobStatus = "awaiting_reconfirmation"
	JobStatusExecuting              JobStatus = "executing"
	JobStatusCompleted              JobStatus = "completed"
	JobStatusFailed                 JobStatus = "failed"
	JobStatusCancelled              JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Failure reason codes recorded on terminal jobs.
const (
	ReasonNoEligibleCandidate    = "NoEligibleCandidate"
	ReasonAllCandidatesExhausted = "AllCandidatesExhausted"
	ReasonBudgetExceeded         = "BudgetExceeded"
	ReasonEstimateRejected       = "EstimateRejected"
	ReasonUserCancelled          = "UserCancelled"
	ReasonRecoveredAfterRestart  = "RecoveredAfterRestart"
)
