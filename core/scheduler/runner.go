package scheduler

import (
	"context"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/models"
)

// WorkloadRunner executes the analysis workload on a provisioned instance.
// The pipelines themselves are opaque workers with a duration profile; the
// default runner models them by waiting out the refined projection.
type WorkloadRunner interface {
	Run(ctx context.Context, job *models.Job, est models.CostEstimate) error
}

type durationRunner struct {
	clk clock.Clock
}

// NewDurationRunner returns the default runner.
func NewDurationRunner(clk clock.Clock) WorkloadRunner {
	return durationRunner{clk: clk}
}

func (r durationRunner) Run(ctx context.Context, _ *models.Job, est models.CostEstimate) error {
	select {
	case <-r.clk.After(est.ProjectedDuration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
