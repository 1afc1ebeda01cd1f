package models

import "time"

// BudgetStatus classifies a job's spend against its ceiling
type BudgetStatus string

const (
	BudgetNominal     BudgetStatus = "nominal"
	BudgetApproaching BudgetStatus = "approaching"
	BudgetExceeded    BudgetStatus = "exceeded"
)

// BudgetState tracks a single job's spend. Mutated only by the budget
// monitor; the scheduler reads snapshots.
type BudgetState struct {
	JobID        string
	SoftLimitUSD float64 // 0 = unbounded
	HardLimitUSD float64 // 0 = unbounded
	AccruedUSD   float64
	LastSampleAt time.Time
	Status       BudgetStatus
}

// BudgetSignalKind is the class of control signal the monitor raises
type BudgetSignalKind string

const (
	BudgetSignalWarn     BudgetSignalKind = "soft_limit"
	BudgetSignalExceeded BudgetSignalKind = "hard_limit"
)

// BudgetSignal is emitted by the budget monitor and consumed by the
// scheduler, which applies the configured policy.
type BudgetSignal struct {
	JobID      string
	Kind       BudgetSignalKind
	AccruedUSD float64
	CeilingUSD float64
	At         time.Time
}

// BudgetPolicy is the deployment-configured handling of a hard-limit breach
type BudgetPolicy string

const (
	BudgetPolicyAbort   BudgetPolicy = "abort-and-save-partial"
	BudgetPolicyPause   BudgetPolicy = "pause-for-confirmation"
	BudgetPolicyDegrade BudgetPolicy = "degrade-to-cheaper-profile"
)
