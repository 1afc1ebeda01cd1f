// Package scheduler owns the job queue and drives each job's saga:
// estimate, confirm, place, provision, execute, complete — with
// compensations in reverse order on every failure path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/estimator"
	"media-orchestrator/core/events"
	"media-orchestrator/core/lifecycle"
	"media-orchestrator/core/models"
	"media-orchestrator/core/monitoring"
	"media-orchestrator/core/placement"
	"media-orchestrator/core/repository"
	"media-orchestrator/providers"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidStateTransition is returned for control signals that are
	// not valid in the job's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrInvalidJob is returned for malformed submissions.
	ErrInvalidJob = errors.New("invalid job")
)

// Config holds the scheduler knobs, fixed at construction.
type Config struct {
	// AutoConfirm resolves confirmation gates automatically for
	// non-interactive deployments.
	AutoConfirm bool
	// DeviationThreshold is the refined-vs-initial relative point-cost
	// deviation above which re-confirmation is required. Default 0.20.
	DeviationThreshold float64
	// BudgetPolicy is applied when a job exceeds its hard limit.
	BudgetPolicy models.BudgetPolicy
	// DispatchInterval is how often the queue is drained. Default 1s.
	DispatchInterval time.Duration
}

// Scheduler is the saga coordinator. It is the single writer of job state:
// serialized per job id, parallel across jobs.
type Scheduler struct {
	store     repository.Store
	estimator *estimator.Estimator
	placer    *placement.Engine
	lifecycle *lifecycle.Manager
	monitor   *monitoring.BudgetMonitor
	bus       *events.Bus
	clk       clock.Clock
	logger    logrus.FieldLogger
	metrics   *monitoring.Metrics
	runner    WorkloadRunner
	cfg       Config

	queue    *JobQueue
	mu       sync.Mutex
	controls map[string]*jobControl
	// claimMu serializes the queued->placing claim against Cancel's
	// direct finish of queued jobs.
	claimMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// jobControl carries the inbound signals for one job's saga.
type jobControl struct {
	confirm    chan bool // true = confirm, false = reject
	cancel     chan struct{}
	cancelOnce sync.Once
	budget     chan models.BudgetSignal

	mu     sync.Mutex
	paused bool
}

func (c *jobControl) requestCancel() {
	c.cancelOnce.Do(func() { close(c.cancel) })
}

func (c *jobControl) setPaused(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = v
}

func (c *jobControl) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// NewScheduler creates a scheduler.
func NewScheduler(
	store repository.Store,
	est *estimator.Estimator,
	placer *placement.Engine,
	lc *lifecycle.Manager,
	monitor *monitoring.BudgetMonitor,
	bus *events.Bus,
	clk clock.Clock,
	logger logrus.FieldLogger,
	metrics *monitoring.Metrics,
	runner WorkloadRunner,
	cfg Config,
) *Scheduler {
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = 0.20
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Second
	}
	if cfg.BudgetPolicy == "" {
		cfg.BudgetPolicy = models.BudgetPolicyAbort
	}
	if runner == nil {
		runner = NewDurationRunner(clk)
	}
	return &Scheduler{
		store:     store,
		estimator: est,
		placer:    placer,
		lifecycle: lc,
		monitor:   monitor,
		bus:       bus,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
		runner:    runner,
		cfg:       cfg,
		queue:     NewJobQueue(),
		controls:  make(map[string]*jobControl),
		stopCh:    make(chan struct{}),
	}
}

// Submit accepts a new job, runs admission asynchronously and returns its id.
func (s *Scheduler) Submit(job *models.Job) (string, error) {
	if err := validate(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	now := s.clk.Now()
	job.Status = models.JobStatusSubmitted
	job.SubmittedAt = now
	job.UpdatedAt = now
	if err := s.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	s.publish(job, "", string(models.JobStatusSubmitted), "job_accepted")
	if s.metrics != nil {
		s.metrics.ObserveTransition("", string(models.JobStatusSubmitted))
	}

	c := s.control(job.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit(job, c)
	}()
	return job.ID, nil
}

// validate rejects malformed submissions synchronously at the boundary.
func validate(job *models.Job) error {
	switch job.Media.Type {
	case models.MediaTypeImage:
		if job.Media.Count <= 0 {
			return fmt.Errorf("image job needs a positive count: %w", ErrInvalidJob)
		}
	case models.MediaTypeVideo, models.MediaTypeAudio:
		if job.Media.DurationSeconds <= 0 {
			return fmt.Errorf("%s job needs a positive duration: %w", job.Media.Type, ErrInvalidJob)
		}
	default:
		return fmt.Errorf("unknown media type %q: %w", job.Media.Type, ErrInvalidJob)
	}
	if job.Media.Complexity < 0 || job.Media.Complexity > 1 {
		return fmt.Errorf("complexity %.2f out of [0,1]: %w", job.Media.Complexity, ErrInvalidJob)
	}
	if job.BudgetCeiling != nil && *job.BudgetCeiling <= 0 {
		return fmt.Errorf("budget ceiling must be positive: %w", ErrInvalidJob)
	}
	return nil
}

// admit drives a job from its current state to queued. It is also the
// resume point after crash recovery, hence the status switch.
func (s *Scheduler) admit(job *models.Job, c *jobControl) {
	ctx := context.Background()
	switch job.Status {
	case models.JobStatusSubmitted:
		s.transition(job, models.JobStatusEstimating, "media_profile_extracted")
		fallthrough
	case models.JobStatusEstimating:
		s.estimateInitial(ctx, job)
		s.transition(job, models.JobStatusAwaitingConfirmation, "initial_estimate_ready")
		fallthrough
	case models.JobStatusAwaitingConfirmation:
		if !s.cfg.AutoConfirm {
			select {
			case ok := <-c.confirm:
				if !ok {
					job.FailureReason = models.ReasonEstimateRejected
					s.finishTerminal(job, models.JobStatusCancelled, "estimate_rejected")
					return
				}
			case <-c.cancel:
				job.FailureReason = models.ReasonUserCancelled
				s.finishTerminal(job, models.JobStatusCancelled, "cancelled_before_queueing")
				return
			case <-s.stopCh:
				return
			}
		}
		s.transition(job, models.JobStatusQueued, "confirmed")
		s.queue.Enqueue(job)
	case models.JobStatusQueued:
		s.queue.Enqueue(job)
	}
}

// estimateInitial computes the coarse pre-queue estimate. When no candidate
// is rankable yet (for example a privacy job with no local pool) the
// estimate is skipped; the authoritative failure is produced in placing.
func (s *Scheduler) estimateInitial(ctx context.Context, job *models.Job) {
	candidates, err := s.placer.Rank(ctx, job.Requirements, job.Privacy, job.Priority, job.Media)
	if err != nil {
		s.logger.WithField("job_id", job.ID).WithError(err).Warn("initial estimate skipped")
		return
	}
	est := s.estimator.Estimate(job.Media, job.Requirements, candidates[0])
	job.InitialEstimate = &est
	s.update(job)
}

// Start runs recovery, then the dispatch and signal loops until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.recover(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardBudgetSignals(ctx)
	}()

	ticker := s.clk.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.dispatch(ctx)
		}
	}
}

// Stop halts the dispatch loop and waits for in-flight sagas.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		job := s.queue.Pop()
		if job == nil {
			return
		}
		// Re-fetch: the job may have been cancelled while queued.
		fresh, err := s.store.GetJob(job.ID)
		if err != nil {
			s.logger.WithField("job_id", job.ID).WithError(err).Error("dequeued job not loadable")
			continue
		}
		if fresh.Status != models.JobStatusQueued {
			continue
		}
		s.wg.Add(1)
		go func(job *models.Job) {
			defer s.wg.Done()
			s.runSaga(ctx, job)
		}(fresh)
	}
}

// runSaga executes the placement, provisioning and execution phases for
// one job. Forward steps that completed get compensated in reverse order
// on any failure.
func (s *Scheduler) runSaga(ctx context.Context, job *models.Job) {
	job, ok := s.claimForPlacement(job.ID)
	if !ok {
		return
	}
	c := s.control(job.ID)
	jobCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.cancel:
			stop()
		case <-jobCtx.Done():
		}
	}()

	logger := s.logger.WithField("job_id", job.ID)

	candidates, err := s.placer.Rank(jobCtx, job.Requirements, job.Privacy, job.Priority, job.Media)
	if err != nil {
		if s.wasCancelled(c) {
			s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, "cancelled_during_placing")
			return
		}
		logger.WithError(err).Warn("placement yielded no candidate")
		s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonNoEligibleCandidate, err.Error())
		return
	}

	s.transition(job, models.JobStatusProvisioning, "candidate_list_ready")
	inst, ok := s.provisionPhase(jobCtx, job, c, candidates)
	if !ok {
		return // terminal state already entered
	}

	if err := s.lifecycle.Start(jobCtx, inst.ID); err != nil {
		logger.WithError(err).Error("workload start failed")
		s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonAllCandidatesExhausted, "workload_start_failed")
		return
	}
	now := s.clk.Now()
	job.StartedAt = &now
	s.transition(job, models.JobStatusExecuting, "workload_running")
	if s.metrics != nil {
		s.metrics.InstanceStarted()
	}

	ceiling := 0.0
	if job.BudgetCeiling != nil {
		ceiling = *job.BudgetCeiling
	}
	s.monitor.Track(job.ID, inst.ID, ceiling)

	s.executePhase(jobCtx, job, c)
}

// claimForPlacement atomically moves a queued job into placing. Mutually
// exclusive with Cancel's direct finish of queued jobs, so a job cancelled
// between dequeue and here never leaves its terminal state.
func (s *Scheduler) claimForPlacement(jobID string) (*models.Job, bool) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	job, err := s.store.GetJob(jobID)
	if err != nil {
		s.logger.WithField("job_id", jobID).WithError(err).Error("claim: job not loadable")
		return nil, false
	}
	if job.Status != models.JobStatusQueued {
		return nil, false
	}
	s.transition(job, models.JobStatusPlacing, "placement_started")
	return job, true
}

// provisionPhase walks the ranked candidates: refined estimate, deviation
// gate, then provision. Capacity-class failures move to the next candidate
// without re-running estimation. Returns the ready instance, or false when
// the job already reached a terminal state.
func (s *Scheduler) provisionPhase(jobCtx context.Context, job *models.Job, c *jobControl, candidates []models.Candidate) (*models.Instance, bool) {
	logger := s.logger.WithField("job_id", job.ID)
	for i := range candidates {
		cand := candidates[i]
		if s.wasCancelled(c) {
			s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, "cancelled_during_provisioning")
			return nil, false
		}

		refined := s.estimator.Estimate(job.Media, job.Requirements, cand)
		job.RefinedEstimate = &refined
		job.Candidate = &cand
		s.update(job)

		if job.InitialEstimate != nil && refined.DeviationFrom(*job.InitialEstimate) > s.cfg.DeviationThreshold {
			if !s.reconfirm(job, c, refined) {
				return nil, false
			}
		}

		inst, err := s.lifecycle.Provision(jobCtx, job.ID, cand)
		if err != nil {
			if s.wasCancelled(c) {
				s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, "cancelled_during_provisioning")
				return nil, false
			}
			if isCandidateExhausting(err) {
				s.observeProviderError(err)
				logger.WithError(err).WithField("candidate", cand.Key()).Warn("candidate unusable, trying next")
				s.publish(job, string(models.JobStatusProvisioning), string(models.JobStatusProvisioning), "candidate_exhausted: "+cand.Key())
				continue
			}
			s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonAllCandidatesExhausted, err.Error())
			return nil, false
		}
		job.InstanceID = inst.ID
		s.update(job)
		return inst, true
	}
	s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonAllCandidatesExhausted, "ranked list exhausted")
	return nil, false
}

// reconfirm gates a deviated refined estimate. Returns false when the job
// reached a terminal state instead of proceeding.
func (s *Scheduler) reconfirm(job *models.Job, c *jobControl, refined models.CostEstimate) bool {
	detail := fmt.Sprintf("refined_estimate_deviates: %.2f vs %.2f USD", refined.PointCostUSD, job.InitialEstimate.PointCostUSD)
	if s.cfg.AutoConfirm {
		s.publish(job, string(job.Status), string(job.Status), detail)
		return true
	}
	s.transition(job, models.JobStatusAwaitingReconfirmation, detail)
	select {
	case ok := <-c.confirm:
		if !ok {
			s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonEstimateRejected, "refined_estimate_rejected")
			return false
		}
		s.transition(job, models.JobStatusProvisioning, "reconfirmed")
		return true
	case <-c.cancel:
		s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, "cancelled_awaiting_reconfirmation")
		return false
	case <-s.stopCh:
		return false
	}
}

// executePhase supervises the running workload and applies budget policy.
func (s *Scheduler) executePhase(jobCtx context.Context, job *models.Job, c *jobControl) {
	for {
		runCtx, stopRun := context.WithCancel(jobCtx)
		done := make(chan error, 1)
		est := *job.RefinedEstimate
		go func() { done <- s.runner.Run(runCtx, job, est) }()

		again := s.superviseRun(jobCtx, job, c, done, stopRun)
		stopRun()
		if !again {
			return
		}
	}
}

// superviseRun waits for completion, cancellation or budget signals.
// Returns true when the workload should restart on a degraded profile.
func (s *Scheduler) superviseRun(jobCtx context.Context, job *models.Job, c *jobControl, done <-chan error, stopRun context.CancelFunc) bool {
	for {
		select {
		case err := <-done:
			if err != nil {
				if s.wasCancelled(c) {
					s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, "cancelled_during_execution")
					return false
				}
				s.compensateAndFinish(job, models.JobStatusFailed, "WorkloadFailed", err.Error())
				return false
			}
			s.complete(job)
			return false

		case <-c.cancel:
			stopRun()
			<-done
			s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, "cancelled_during_execution")
			return false

		case sig := <-c.budget:
			switch sig.Kind {
			case models.BudgetSignalWarn:
				s.publish(job, string(models.JobStatusExecuting), string(models.JobStatusExecuting),
					fmt.Sprintf("budget_warning: %.2f of %.2f USD", sig.AccruedUSD, sig.CeilingUSD))
			case models.BudgetSignalExceeded:
				if s.handleExceeded(jobCtx, job, c, sig, done, stopRun) {
					return true
				}
				if job.Status.Terminal() {
					return false
				}
			}
		}
	}
}

// handleExceeded applies the configured hard-limit policy. Returns true
// when the workload should restart on a cheaper profile.
func (s *Scheduler) handleExceeded(jobCtx context.Context, job *models.Job, c *jobControl, sig models.BudgetSignal, done <-chan error, stopRun context.CancelFunc) bool {
	detail := fmt.Sprintf("budget_exceeded: %.2f of %.2f USD", sig.AccruedUSD, sig.CeilingUSD)
	logger := s.logger.WithField("job_id", job.ID)

	switch s.cfg.BudgetPolicy {
	case models.BudgetPolicyAbort:
		logger.Warn("budget exceeded, aborting and saving partial results")
		job.PartialResults = true
		job.AccruedCostUSD = sig.AccruedUSD
		stopRun()
		<-done
		s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonBudgetExceeded, detail)
		return false

	case models.BudgetPolicyPause:
		logger.Warn("budget exceeded, pausing for confirmation")
		s.publish(job, string(models.JobStatusExecuting), string(models.JobStatusExecuting), detail+" (paused)")
		c.setPaused(true)
		defer c.setPaused(false)
		select {
		case ok := <-c.confirm:
			if ok {
				// Approval lifts the ceiling for the remainder of the run.
				s.monitor.Stop(job.ID)
				s.publish(job, string(models.JobStatusExecuting), string(models.JobStatusExecuting), "budget_override_confirmed")
				return false
			}
			job.PartialResults = true
			stopRun()
			<-done
			s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonBudgetExceeded, detail)
			return false
		case <-c.cancel:
			stopRun()
			<-done
			s.compensateAndFinish(job, models.JobStatusCancelled, models.ReasonUserCancelled, detail)
			return false
		case err := <-done:
			if err != nil {
				s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonBudgetExceeded, detail)
				return false
			}
			s.complete(job)
			return false
		}

	case models.BudgetPolicyDegrade:
		logger.Warn("budget exceeded, degrading to cheaper profile")
		stopRun()
		<-done
		if s.degrade(jobCtx, job, sig) {
			return true
		}
		job.PartialResults = true
		s.compensateAndFinish(job, models.JobStatusFailed, models.ReasonBudgetExceeded, detail+" (no cheaper profile)")
		return false
	}
	return false
}

// degrade swaps the instance for a strictly cheaper candidate. The old
// instance is torn down before the replacement is provisioned so the job
// never holds two live instances. Estimation is not re-run; the cheaper
// candidate's refined projection is used for the restarted workload.
func (s *Scheduler) degrade(jobCtx context.Context, job *models.Job, sig models.BudgetSignal) bool {
	logger := s.logger.WithField("job_id", job.ID)
	current := *job.Candidate

	candidates, err := s.placer.Rank(jobCtx, job.Requirements, job.Privacy, job.Priority, job.Media)
	if err != nil {
		logger.WithError(err).Warn("degrade: no candidates")
		return false
	}
	var cheaper []models.Candidate
	for _, cand := range candidates {
		if cand.Provider == current.Provider && cand.InstanceClass == current.InstanceClass {
			continue
		}
		if cand.EffectiveRate() < current.EffectiveRate() {
			cheaper = append(cheaper, cand)
		}
	}
	if len(cheaper) == 0 {
		return false
	}

	s.monitor.Stop(job.ID)
	job.AccruedCostUSD = sig.AccruedUSD
	if err := s.lifecycle.Terminate(context.Background(), job.InstanceID); err != nil {
		logger.WithError(err).Error("degrade: teardown of current instance failed")
		return false
	}
	if s.metrics != nil {
		s.metrics.InstanceStopped()
	}

	for i := range cheaper {
		cand := cheaper[i]
		refined := s.estimator.Estimate(job.Media, job.Requirements, cand)
		inst, err := s.lifecycle.Provision(jobCtx, job.ID, cand)
		if err != nil {
			if isCandidateExhausting(err) {
				s.observeProviderError(err)
				continue
			}
			return false
		}
		if err := s.lifecycle.Start(jobCtx, inst.ID); err != nil {
			// The replacement never ran; release it before giving up.
			if terr := s.lifecycle.Terminate(context.Background(), inst.ID); terr != nil {
				logger.WithError(terr).Error("degrade: teardown of replacement failed")
			}
			return false
		}
		job.Candidate = &cand
		job.RefinedEstimate = &refined
		job.InstanceID = inst.ID
		s.update(job)
		s.publish(job, string(models.JobStatusExecuting), string(models.JobStatusExecuting), "degraded_to: "+cand.Key())
		if s.metrics != nil {
			s.metrics.InstanceStarted()
		}
		remaining := sig.CeilingUSD - job.AccruedCostUSD
		if remaining < 0 {
			remaining = 0
		}
		s.monitor.Track(job.ID, inst.ID, remaining)
		return true
	}
	return false
}

// complete finishes a successful job: the instance is torn down before the
// terminal state becomes observable.
func (s *Scheduler) complete(job *models.Job) {
	if job.InstanceID != "" {
		if cost, err := s.lifecycle.CurrentCost(context.Background(), job.InstanceID); err == nil && cost > job.AccruedCostUSD {
			job.AccruedCostUSD = cost
		}
		if err := s.lifecycle.Terminate(context.Background(), job.InstanceID); err != nil {
			s.logger.WithField("job_id", job.ID).WithError(err).Error("teardown after completion failed")
		}
		if s.metrics != nil {
			s.metrics.InstanceStopped()
		}
	}
	s.monitor.Stop(job.ID)
	s.finishTerminal(job, models.JobStatusCompleted, "workload_finished")
}

// compensateAndFinish runs the compensation sequence in reverse order of
// the completed forward steps, then enters the terminal state. Safe to
// re-run: every compensating action is idempotent.
func (s *Scheduler) compensateAndFinish(job *models.Job, terminal models.JobStatus, reason, detail string) {
	s.monitor.Stop(job.ID)
	if job.InstanceID != "" {
		if cost, err := s.lifecycle.CurrentCost(context.Background(), job.InstanceID); err == nil && cost > job.AccruedCostUSD {
			job.AccruedCostUSD = cost
		}
		wasRunning := false
		if inst, ok := s.lifecycle.Get(job.InstanceID); ok && inst.State == models.InstanceStateRunning {
			wasRunning = true
		}
		if err := s.lifecycle.Terminate(context.Background(), job.InstanceID); err != nil {
			s.logger.WithField("job_id", job.ID).WithError(err).Error("compensating teardown failed")
			detail = detail + " (teardown_incomplete)"
		}
		if wasRunning && s.metrics != nil {
			s.metrics.InstanceStopped()
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveCompensation()
	}
	job.FailureReason = reason
	s.finishTerminal(job, terminal, detail)
}

func (s *Scheduler) finishTerminal(job *models.Job, terminal models.JobStatus, detail string) {
	now := s.clk.Now()
	job.FinishedAt = &now
	s.transition(job, terminal, detail)
	if s.metrics != nil {
		s.metrics.ObserveOutcome(string(terminal))
		s.metrics.ForgetJob(job.ID)
	}
	s.dropControl(job.ID)
}

// Confirm resolves a pending confirmation gate.
func (s *Scheduler) Confirm(jobID string) error {
	return s.signalConfirm(jobID, true)
}

// Reject resolves a pending confirmation gate negatively.
func (s *Scheduler) Reject(jobID string) error {
	return s.signalConfirm(jobID, false)
}

func (s *Scheduler) signalConfirm(jobID string, ok bool) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	c := s.control(jobID)
	awaiting := job.Status == models.JobStatusAwaitingConfirmation ||
		job.Status == models.JobStatusAwaitingReconfirmation ||
		(job.Status == models.JobStatusExecuting && c.isPaused())
	if !awaiting {
		return fmt.Errorf("job %s in state %s: %w", jobID, job.Status, ErrInvalidStateTransition)
	}
	select {
	case c.confirm <- ok:
		return nil
	default:
		return fmt.Errorf("job %s not awaiting a decision: %w", jobID, ErrInvalidStateTransition)
	}
}

// SetBudget sets or updates the job's budget ceiling. Valid in any
// non-terminal state; a tracked job is re-evaluated on the next sample.
func (s *Scheduler) SetBudget(jobID string, ceilingUSD float64) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s in state %s: %w", jobID, job.Status, ErrInvalidStateTransition)
	}
	if ceilingUSD <= 0 {
		return fmt.Errorf("budget ceiling must be positive: %w", ErrInvalidJob)
	}
	job.BudgetCeiling = &ceilingUSD
	s.update(job)
	s.monitor.SetCeiling(jobID, ceilingUSD)
	s.publish(job, string(job.Status), string(job.Status), fmt.Sprintf("budget_set: %.2f USD", ceilingUSD))
	return nil
}

// Cancel requests cancellation. Valid in any non-terminal state and
// idempotent: cancelling twice has the same effect as once.
func (s *Scheduler) Cancel(jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		if job.Status == models.JobStatusCancelled {
			return nil
		}
		return fmt.Errorf("job %s in state %s: %w", jobID, job.Status, ErrInvalidStateTransition)
	}
	c := s.control(jobID)
	c.requestCancel()
	// A queued job has no saga goroutine to react; cancel it directly,
	// holding the claim lock so a concurrent dispatch cannot drive the
	// job out of cancelled.
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	fresh, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if fresh.Status == models.JobStatusQueued {
		fresh.FailureReason = models.ReasonUserCancelled
		s.finishTerminal(fresh, models.JobStatusCancelled, "cancelled_while_queued")
	}
	return nil
}

// recover reconciles persisted state after a restart. Every non-terminal
// job with a non-terminated instance re-enters the compensation path
// before normal operation resumes.
func (s *Scheduler) recover(ctx context.Context) {
	jobs, err := s.store.ListUnfinishedJobs()
	if err != nil {
		s.logger.WithError(err).Error("recovery: listing unfinished jobs failed")
		return
	}
	for _, job := range jobs {
		logger := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "status": job.Status})
		inst, ierr := s.store.GetInstanceByJob(job.ID)
		if ierr == nil && !inst.State.Terminal() {
			logger.WithField("instance_id", inst.ID).Warn("recovery: terminating orphaned instance")
			if err := s.lifecycle.TerminateHandle(ctx, inst.Provider, inst.Handle); err != nil {
				logger.WithError(err).Error("recovery: teardown failed")
			}
			priorState := inst.State
			inst.State = models.InstanceStateTerminated
			inst.UpdatedAt = s.clk.Now()
			if err := s.store.PutInstance(inst); err != nil {
				logger.WithError(err).Error("recovery: persist instance failed")
			}
			s.bus.Publish(models.StateEvent{
				JobID: job.ID, InstanceID: inst.ID,
				From: string(priorState), To: string(models.InstanceStateTerminated),
				At: s.clk.Now(), Detail: "recovery_teardown",
			})
			job.FailureReason = models.ReasonRecoveredAfterRestart
			s.finishTerminal(job, models.JobStatusFailed, "recovered_with_live_instance")
			continue
		}

		switch job.Status {
		case models.JobStatusSubmitted, models.JobStatusEstimating,
			models.JobStatusAwaitingConfirmation, models.JobStatusQueued:
			c := s.control(job.ID)
			s.wg.Add(1)
			go func(job *models.Job, c *jobControl) {
				defer s.wg.Done()
				s.admit(job, c)
			}(job, c)
		default:
			// Mid-saga with no live instance: compensation is already
			// complete, close the job out.
			job.FailureReason = models.ReasonRecoveredAfterRestart
			s.finishTerminal(job, models.JobStatusFailed, "recovered_mid_saga")
		}
	}
}

func (s *Scheduler) forwardBudgetSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case sig := <-s.monitor.Signals():
			if s.metrics != nil {
				s.metrics.ObserveBudgetSignal(string(sig.Kind))
			}
			s.mu.Lock()
			c, ok := s.controls[sig.JobID]
			s.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case c.budget <- sig:
			default:
				s.logger.WithField("job_id", sig.JobID).Warn("budget signal dropped for job")
			}
		}
	}
}

func (s *Scheduler) control(jobID string) *jobControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[jobID]
	if !ok {
		c = &jobControl{
			confirm: make(chan bool, 1),
			cancel:  make(chan struct{}),
			budget:  make(chan models.BudgetSignal, 8),
		}
		s.controls[jobID] = c
	}
	return c
}

func (s *Scheduler) dropControl(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controls, jobID)
}

func (s *Scheduler) wasCancelled(c *jobControl) bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// transition applies a job state change, persists it and emits one event.
func (s *Scheduler) transition(job *models.Job, to models.JobStatus, detail string) {
	from := job.Status
	job.Status = to
	s.update(job)
	s.publish(job, string(from), string(to), detail)
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(from), string(to))
	}
}

func (s *Scheduler) update(job *models.Job) {
	job.UpdatedAt = s.clk.Now()
	if err := s.store.UpdateJob(job); err != nil {
		s.logger.WithField("job_id", job.ID).WithError(err).Error("persist job failed")
	}
}

func (s *Scheduler) publish(job *models.Job, from, to, detail string) {
	s.bus.Publish(models.StateEvent{
		JobID:  job.ID,
		From:   from,
		To:     to,
		At:     s.clk.Now(),
		Detail: detail,
	})
}

func (s *Scheduler) observeProviderError(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, providers.ErrCapacityUnavailable):
		s.metrics.ObserveProviderError("capacity_unavailable")
	case errors.Is(err, providers.ErrProviderUnreachable):
		s.metrics.ObserveProviderError("provider_unreachable")
	case errors.Is(err, providers.ErrProvisionRejected):
		s.metrics.ObserveProviderError("provision_rejected")
	case errors.Is(err, providers.ErrQuoteUnavailable):
		s.metrics.ObserveProviderError("quote_unavailable")
	}
}

// isCandidateExhausting reports whether the error means "move on to the
// next ranked candidate" rather than "fail the job".
func isCandidateExhausting(err error) bool {
	return errors.Is(err, providers.ErrCapacityUnavailable) ||
		errors.Is(err, providers.ErrQuoteUnavailable) ||
		errors.Is(err, providers.ErrProviderUnreachable) ||
		errors.Is(err, providers.ErrProvisionRejected)
}
