// Package monitoring tracks running-job spend against budget limits and
// exports orchestrator metrics.
package monitoring

import (
	"context"
	"sync"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/models"

	"github.com/sirupsen/logrus"
)

// CostSource answers accrued-cost queries for an instance. Implemented by
// the lifecycle manager.
type CostSource interface {
	CurrentCost(ctx context.Context, instanceID string) (float64, error)
}

// Config holds the monitor knobs.
type Config struct {
	SampleInterval time.Duration // default 60s
	SoftFraction   float64       // warning threshold, default 0.80
}

// BudgetMonitor samples accrued cost for executing jobs with a ceiling set
// and raises control signals. It only classifies and signals; the
// scheduler applies the configured policy.
type BudgetMonitor struct {
	source  CostSource
	clk     clock.Clock
	logger  logrus.FieldLogger
	cfg     Config
	metrics *Metrics

	mu      sync.Mutex
	tracked map[string]*trackedJob
	signals chan models.BudgetSignal
}

type trackedJob struct {
	state      models.BudgetState
	instanceID string
	warned     bool
	exceeded   bool
}

// NewBudgetMonitor creates a monitor. metrics may be nil.
func NewBudgetMonitor(source CostSource, clk clock.Clock, logger logrus.FieldLogger, cfg Config, metrics *Metrics) *BudgetMonitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 60 * time.Second
	}
	if cfg.SoftFraction <= 0 {
		cfg.SoftFraction = 0.8
	}
	return &BudgetMonitor{
		source:  source,
		clk:     clk,
		logger:  logger,
		cfg:     cfg,
		metrics: metrics,
		tracked: make(map[string]*trackedJob),
		signals: make(chan models.BudgetSignal, 64),
	}
}

// Signals is the channel the scheduler consumes control signals from.
func (bm *BudgetMonitor) Signals() <-chan models.BudgetSignal {
	return bm.signals
}

// Track starts sampling a job. ceiling <= 0 means unbounded: the job is
// still sampled for cost accounting but never signals.
func (bm *BudgetMonitor) Track(jobID, instanceID string, ceilingUSD float64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.tracked[jobID] = &trackedJob{
		instanceID: instanceID,
		state: models.BudgetState{
			JobID:        jobID,
			SoftLimitUSD: ceilingUSD * bm.cfg.SoftFraction,
			HardLimitUSD: ceilingUSD,
			Status:       models.BudgetNominal,
		},
	}
}

// SetCeiling adjusts the limits of a tracked job; threshold crossings are
// re-evaluated on the next sample.
func (bm *BudgetMonitor) SetCeiling(jobID string, ceilingUSD float64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	t, ok := bm.tracked[jobID]
	if !ok {
		return
	}
	t.state.SoftLimitUSD = ceilingUSD * bm.cfg.SoftFraction
	t.state.HardLimitUSD = ceilingUSD
	t.warned = false
	t.exceeded = false
}

// Stop removes a job from tracking.
func (bm *BudgetMonitor) Stop(jobID string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.tracked, jobID)
}

// Snapshot returns a copy of the job's budget state.
func (bm *BudgetMonitor) Snapshot(jobID string) (models.BudgetState, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	t, ok := bm.tracked[jobID]
	if !ok {
		return models.BudgetState{}, false
	}
	return t.state, true
}

// Start runs the sampling loop until the context ends.
func (bm *BudgetMonitor) Start(ctx context.Context) {
	ticker := bm.clk.NewTicker(bm.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			bm.sampleAll(ctx)
		}
	}
}

func (bm *BudgetMonitor) sampleAll(ctx context.Context) {
	bm.mu.Lock()
	ids := make([]string, 0, len(bm.tracked))
	for id := range bm.tracked {
		ids = append(ids, id)
	}
	bm.mu.Unlock()
	for _, id := range ids {
		bm.sample(ctx, id)
	}
}

func (bm *BudgetMonitor) sample(ctx context.Context, jobID string) {
	bm.mu.Lock()
	t, ok := bm.tracked[jobID]
	if !ok {
		bm.mu.Unlock()
		return
	}
	instanceID := t.instanceID
	bm.mu.Unlock()

	cost, err := bm.source.CurrentCost(ctx, instanceID)
	if err != nil {
		bm.logger.WithError(err).WithField("job_id", jobID).Warn("cost sample failed")
		return
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	t, ok = bm.tracked[jobID]
	if !ok {
		return
	}
	// Accrued cost is monotonic while the instance runs; a lower provider
	// answer never rolls the state back.
	if cost < t.state.AccruedUSD {
		cost = t.state.AccruedUSD
	}
	t.state.AccruedUSD = cost
	t.state.LastSampleAt = bm.clk.Now()
	if bm.metrics != nil {
		bm.metrics.ObserveJobCost(jobID, cost)
	}

	if t.state.HardLimitUSD <= 0 {
		return
	}
	switch {
	case cost >= t.state.HardLimitUSD && !t.exceeded:
		t.exceeded = true
		t.state.Status = models.BudgetExceeded
		bm.emit(models.BudgetSignal{
			JobID:      jobID,
			Kind:       models.BudgetSignalExceeded,
			AccruedUSD: cost,
			CeilingUSD: t.state.HardLimitUSD,
			At:         t.state.LastSampleAt,
		})
	case cost >= t.state.SoftLimitUSD && !t.warned && !t.exceeded:
		t.warned = true
		t.state.Status = models.BudgetApproaching
		bm.emit(models.BudgetSignal{
			JobID:      jobID,
			Kind:       models.BudgetSignalWarn,
			AccruedUSD: cost,
			CeilingUSD: t.state.HardLimitUSD,
			At:         t.state.LastSampleAt,
		})
	}
}

func (bm *BudgetMonitor) emit(sig models.BudgetSignal) {
	select {
	case bm.signals <- sig:
	default:
		bm.logger.WithField("job_id", sig.JobID).Warn("budget signal dropped: consumer not keeping up")
	}
}
