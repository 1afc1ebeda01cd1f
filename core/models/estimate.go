package models

import (
	"math"
	"time"
)

// CostEstimate is a projected duration and cost range for running a job on
// a specific candidate. Immutable once issued; a refined pass supersedes
// the initial one rather than mutating it.
type CostEstimate struct {
	Provider          string
	InstanceClass     string
	ProjectedDuration time.Duration
	PointCostUSD      float64
	LowUSD            float64
	HighUSD           float64
	Margin            float64
	IssuedAt          time.Time
}

// DeviationFrom returns the relative point-cost deviation of e against a
// previous estimate. Returns 0 when the previous point cost is zero.
func (e CostEstimate) DeviationFrom(prev CostEstimate) float64 {
	if prev.PointCostUSD == 0 {
		return 0
	}
	return math.Abs(e.PointCostUSD-prev.PointCostUSD) / prev.PointCostUSD
}
