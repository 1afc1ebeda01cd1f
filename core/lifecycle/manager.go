// Package lifecycle drives a single external instance through
// request, provision, ready, running and teardown, with a compensating
// terminate on every failure path. All state transitions for a given
// instance are serialized here; no other component mutates instance state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/events"
	"media-orchestrator/core/models"
	"media-orchestrator/core/repository"
	"media-orchestrator/providers"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds the lifecycle knobs, fixed at construction.
type Config struct {
	PollBackoffBase  time.Duration // first retry/poll delay
	PollBackoffMax   time.Duration // backoff cap
	RetryLimit       int           // attempts per provider call
	ProvisionTimeout time.Duration // request-to-ready deadline
	CallTimeout      time.Duration // deadline on each individual provider call
	ImageRef         string        // worker image provisioned onto instances
	RegionHint       string
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		PollBackoffBase:  2 * time.Second,
		PollBackoffMax:   30 * time.Second,
		RetryLimit:       5,
		ProvisionTimeout: 10 * time.Minute,
		CallTimeout:      30 * time.Second,
	}
}

// Manager owns every Instance from provision request until confirmed
// terminated.
type Manager struct {
	registry *providers.Registry
	store    repository.Store
	bus      *events.Bus
	clk      clock.Clock
	logger   logrus.FieldLogger
	cfg      Config

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes operations for one instance id.
type entry struct {
	mu   sync.Mutex
	inst *models.Instance
}

// NewManager creates a lifecycle manager.
func NewManager(registry *providers.Registry, store repository.Store, bus *events.Bus, clk clock.Clock, logger logrus.FieldLogger, cfg Config) *Manager {
	if cfg.PollBackoffBase <= 0 {
		cfg.PollBackoffBase = 2 * time.Second
	}
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = 30 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Manager{
		registry: registry,
		store:    store,
		bus:      bus,
		clk:      clk,
		logger:   logger,
		cfg:      cfg,
		entries:  make(map[string]*entry),
	}
}

// Provision acquires an instance for the candidate and drives it to ready.
// On any failure the compensating terminate runs before the error is
// returned, so the caller never inherits a live resource.
func (m *Manager) Provision(ctx context.Context, jobID string, cand models.Candidate) (*models.Instance, error) {
	adapter, ok := m.registry.Get(cand.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %s not registered: %w", cand.Provider, providers.ErrProvisionRejected)
	}

	e := &entry{inst: &models.Instance{
		ID:            uuid.New().String(),
		Provider:      cand.Provider,
		InstanceClass: cand.InstanceClass,
		State:         models.InstanceStateRequested,
		JobID:         jobID,
		HourlyRateUSD: cand.HourlyRateUSD,
		UpdatedAt:     m.clk.Now(),
	}}
	m.mu.Lock()
	m.entries[e.inst.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{
		"instance_id": e.inst.ID,
		"job_id":      jobID,
		"provider":    cand.Provider,
		"class":       cand.InstanceClass,
	})
	m.persist(e, "", "requested")

	handle, err := m.provisionWithRetry(ctx, adapter, cand.InstanceClass)
	if err != nil {
		logger.WithError(err).Warn("provision failed")
		m.compensate(ctx, e, adapter, "provision_failed")
		return nil, fmt.Errorf("provision %s: %w", cand.Key(), err)
	}
	e.inst.Handle = handle
	m.transition(e, models.InstanceStateProvisioning, "provider_acknowledged")

	if err := m.waitReady(ctx, adapter, e); err != nil {
		logger.WithError(err).Warn("instance never became ready")
		m.compensate(ctx, e, adapter, "readiness_failed")
		// Exhausted readiness is handled like a capacity miss: the caller
		// moves on to the next candidate.
		return nil, fmt.Errorf("wait ready %s: %w (%v)", cand.Key(), providers.ErrCapacityUnavailable, err)
	}
	m.transition(e, models.InstanceStateReady, "instance_reachable")
	logger.Info("instance ready")
	return m.snapshot(e), nil
}

// Start marks the workload as running; cost accrues from here.
func (m *Manager) Start(ctx context.Context, instanceID string) error {
	e, ok := m.entry(instanceID)
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, repository.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.State != models.InstanceStateReady {
		return fmt.Errorf("start from state %s: invalid transition", e.inst.State)
	}
	e.inst.LeaseStart = m.clk.Now()
	m.transition(e, models.InstanceStateRunning, "workload_started")
	return nil
}

// Terminate tears the instance down. Idempotent: repeated calls, and calls
// on instances that never actually provisioned, return nil once the
// provider confirms (or has never heard of the handle).
func (m *Manager) Terminate(ctx context.Context, instanceID string) error {
	e, ok := m.entry(instanceID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.State == models.InstanceStateTerminated {
		return nil
	}
	adapter, ok := m.registry.Get(e.inst.Provider)
	if !ok {
		return fmt.Errorf("provider %s not registered", e.inst.Provider)
	}
	if e.inst.State != models.InstanceStateTerminating {
		m.transition(e, models.InstanceStateTerminating, "termination_requested")
	}
	if err := m.terminateWithRetry(ctx, adapter, e.inst.Handle); err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	m.transition(e, models.InstanceStateTerminated, "provider_confirmed")
	m.drop(instanceID)
	return nil
}

// TerminateHandle releases a provider handle with no in-memory entry,
// used by crash recovery. Safe on unknown handles.
func (m *Manager) TerminateHandle(ctx context.Context, provider, handle string) error {
	adapter, ok := m.registry.Get(provider)
	if !ok {
		return fmt.Errorf("provider %s not registered", provider)
	}
	return m.terminateWithRetry(ctx, adapter, handle)
}

// CurrentCost returns the accrued cost for a running instance, preferring
// the provider's answer and falling back to rate times elapsed time. The
// result never decreases across calls for the same instance.
func (m *Manager) CurrentCost(ctx context.Context, instanceID string) (float64, error) {
	e, ok := m.entry(instanceID)
	if !ok {
		return 0, fmt.Errorf("instance %s: %w", instanceID, repository.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	adapter, _ := m.registry.Get(e.inst.Provider)
	var cost float64
	var err error = providers.ErrQuoteUnavailable
	if adapter != nil {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		cost, err = adapter.CurrentCost(callCtx, e.inst.Handle)
		cancel()
	}
	if err != nil {
		if e.inst.LeaseStart.IsZero() {
			return e.inst.AccruedCostUSD, nil
		}
		cost = e.inst.HourlyRateUSD * m.clk.Since(e.inst.LeaseStart).Hours()
	}
	if cost < e.inst.AccruedCostUSD {
		cost = e.inst.AccruedCostUSD
	}
	e.inst.AccruedCostUSD = cost
	e.inst.UpdatedAt = m.clk.Now()
	if err := m.store.PutInstance(e.inst); err != nil {
		m.logger.WithError(err).WithField("instance_id", instanceID).Warn("persist cost sample failed")
	}
	return cost, nil
}

// Get returns a snapshot of the instance.
func (m *Manager) Get(instanceID string) (*models.Instance, bool) {
	e, ok := m.entry(instanceID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.snapshot(e), true
}

func (m *Manager) entry(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Manager) snapshot(e *entry) *models.Instance {
	c := *e.inst
	return &c
}

// compensate moves a failed instance through error and attempted terminate.
// The terminate runs even when no resource may actually exist; unknown
// handles are safe per the adapter contract.
func (m *Manager) compensate(ctx context.Context, e *entry, adapter providers.Adapter, detail string) {
	m.transition(e, models.InstanceStateError, detail)
	if err := m.terminateWithRetry(ctx, adapter, e.inst.Handle); err != nil {
		m.logger.WithError(err).WithField("instance_id", e.inst.ID).Error("compensating terminate failed")
		return
	}
	m.transition(e, models.InstanceStateTerminated, "compensated")
	m.drop(e.inst.ID)
}

// drop prunes the in-memory record once the instance is confirmed gone;
// the durable row in the store outlives it. Terminate on a dropped id
// stays a no-op.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *Manager) provisionWithRetry(ctx context.Context, adapter providers.Adapter, class string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		handle, err := m.callProvision(ctx, adapter, class)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		// Only transient faults are retried against the same candidate.
		if !errors.Is(err, providers.ErrProviderUnreachable) {
			return "", err
		}
		m.clk.Sleep(m.backoff(attempt))
	}
	return "", fmt.Errorf("%w: %v", providers.ErrCapacityUnavailable, lastErr)
}

func (m *Manager) terminateWithRetry(ctx context.Context, adapter providers.Adapter, handle string) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryLimit; attempt++ {
		if err := m.callTerminate(ctx, adapter, handle); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
		m.clk.Sleep(m.backoff(attempt))
	}
	return lastErr
}

// waitReady polls with bounded exponential backoff until the provider
// reports ready, the timeout elapses, or the context ends.
func (m *Manager) waitReady(ctx context.Context, adapter providers.Adapter, e *entry) error {
	start := m.clk.Now()
	transientFails := 0
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.clk.Since(start) > m.cfg.ProvisionTimeout {
			return fmt.Errorf("not ready within %s", m.cfg.ProvisionTimeout)
		}
		status, err := m.callPollStatus(ctx, adapter, e.inst.Handle)
		if err != nil {
			transientFails++
			if transientFails >= m.cfg.RetryLimit {
				return fmt.Errorf("poll retries exhausted: %w", err)
			}
			m.clk.Sleep(m.backoff(attempt))
			continue
		}
		transientFails = 0
		switch status {
		case providers.StatusReady, providers.StatusRunning:
			return nil
		case providers.StatusTerminated, providers.StatusError:
			return fmt.Errorf("provider reports %s during provisioning", status)
		}
		m.clk.Sleep(m.backoff(attempt))
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.PollBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.PollBackoffMax {
			return m.cfg.PollBackoffMax
		}
	}
	return d
}

// callProvision runs one provision attempt under the per-call deadline.
// A provider that hangs past it counts as unreachable, not as a stall.
func (m *Manager) callProvision(ctx context.Context, adapter providers.Adapter, class string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	handle, err := adapter.Provision(callCtx, class, m.cfg.ImageRef, m.cfg.RegionHint)
	return handle, asUnreachable(err)
}

func (m *Manager) callTerminate(ctx context.Context, adapter providers.Adapter, handle string) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return asUnreachable(adapter.Terminate(callCtx, handle))
}

func (m *Manager) callPollStatus(ctx context.Context, adapter providers.Adapter, handle string) (providers.InstanceStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	status, err := adapter.PollStatus(callCtx, handle)
	return status, asUnreachable(err)
}

// asUnreachable maps a per-call deadline hit onto the unreachable-provider
// class so the retry policy treats it as transient.
func asUnreachable(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, providers.ErrProviderUnreachable) {
		return fmt.Errorf("%v: %w", err, providers.ErrProviderUnreachable)
	}
	return err
}

// transition applies a state change, persists it and emits one event.
// Callers hold e.mu.
func (m *Manager) transition(e *entry, to models.InstanceState, detail string) {
	from := e.inst.State
	e.inst.State = to
	e.inst.UpdatedAt = m.clk.Now()
	if err := m.store.PutInstance(e.inst); err != nil {
		m.logger.WithError(err).WithField("instance_id", e.inst.ID).Error("persist instance failed")
	}
	m.bus.Publish(models.StateEvent{
		JobID:      e.inst.JobID,
		InstanceID: e.inst.ID,
		From:       string(from),
		To:         string(to),
		At:         e.inst.UpdatedAt,
		Detail:     detail,
	})
}

// persist stores the initial record and emits the creation event.
func (m *Manager) persist(e *entry, from, detail string) {
	if err := m.store.PutInstance(e.inst); err != nil {
		m.logger.WithError(err).WithField("instance_id", e.inst.ID).Error("persist instance failed")
	}
	m.bus.Publish(models.StateEvent{
		JobID:      e.inst.JobID,
		InstanceID: e.inst.ID,
		From:       from,
		To:         string(e.inst.State),
		At:         e.inst.UpdatedAt,
		Detail:     detail,
	})
}
