package models

import "time"

// Candidate is a provider/instance-class option considered for a job.
// Candidates are transient: produced by the placement engine, consumed by
// the scheduler, never stored beyond the chosen one.
type Candidate struct {
	Provider           string
	InstanceClass      string
	HourlyRateUSD      float64
	Spot               bool
	EstimatedWait      time.Duration
	LocalityPenaltyUSD float64 // synthetic hourly penalty for remote transfer
}

// EffectiveRate returns the hourly rate used for ranking, including any
// data-locality penalty.
func (c Candidate) EffectiveRate() float64 {
	return c.HourlyRateUSD + c.LocalityPenaltyUSD
}

// Key identifies the candidate's provider/class pair.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.InstanceClass
}
