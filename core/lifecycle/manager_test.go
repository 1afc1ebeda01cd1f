package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/events"
	"media-orchestrator/core/models"
	"media-orchestrator/core/repository"
	"media-orchestrator/providers"

	"github.com/sirupsen/logrus"
)

// scriptAdapter is a programmable provider for lifecycle tests.
type scriptAdapter struct {
	mu sync.Mutex

	provisionErrs []error // errors returned before the first success
	pollStatuses  []providers.InstanceStatus
	pollHook      func() // runs on every poll, e.g. to advance a manual clock
	terminateErr  error

	provisionCalls int
	terminated     []string
}

func (s *scriptAdapter) ID() string                         { return "fake" }
func (s *scriptAdapter) Local() bool                        { return false }
func (s *scriptAdapter) Classes() []providers.InstanceClass { return nil }

func (s *scriptAdapter) Quote(context.Context, string, string) (providers.Quote, error) {
	return providers.Quote{}, providers.ErrQuoteUnavailable
}

func (s *scriptAdapter) Provision(context.Context, string, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisionCalls++
	if len(s.provisionErrs) > 0 {
		err := s.provisionErrs[0]
		s.provisionErrs = s.provisionErrs[1:]
		return "", err
	}
	return "handle-1", nil
}

func (s *scriptAdapter) PollStatus(context.Context, string) (providers.InstanceStatus, error) {
	s.mu.Lock()
	if s.pollHook != nil {
		s.pollHook()
	}
	status := providers.StatusReady
	if len(s.pollStatuses) > 0 {
		status = s.pollStatuses[0]
		if len(s.pollStatuses) > 1 {
			s.pollStatuses = s.pollStatuses[1:]
		}
	}
	s.mu.Unlock()
	return status, nil
}

func (s *scriptAdapter) Terminate(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminateErr != nil {
		return s.terminateErr
	}
	s.terminated = append(s.terminated, handle)
	return nil
}

func (s *scriptAdapter) CurrentCost(context.Context, string) (float64, error) {
	return 0, providers.ErrQuoteUnavailable
}

func (s *scriptAdapter) terminateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terminated)
}

func newTestManager(t *testing.T, adapter providers.Adapter, clk clock.Clock) (*Manager, repository.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry := providers.NewRegistry()
	registry.Register(adapter)
	store := repository.NewMemoryStore()
	bus := events.NewBus(logger)
	return NewManager(registry, store, bus, clk, logger, DefaultConfig()), store
}

func testCand() models.Candidate {
	return models.Candidate{Provider: "fake", InstanceClass: "g5.xlarge", HourlyRateUSD: 1.0}
}

func TestProvisionHappyPath(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	adapter := &scriptAdapter{pollStatuses: []providers.InstanceStatus{providers.StatusProvisioning, providers.StatusReady}}
	m, store := newTestManager(t, adapter, clk)

	inst, err := m.Provision(context.Background(), "job-1", testCand())
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if inst.State != models.InstanceStateReady {
		t.Errorf("state = %s, want ready", inst.State)
	}
	if inst.Handle != "handle-1" {
		t.Errorf("handle = %s, want handle-1", inst.Handle)
	}

	persisted, err := store.GetInstanceByJob("job-1")
	if err != nil {
		t.Fatalf("instance not persisted: %v", err)
	}
	if persisted.State != models.InstanceStateReady {
		t.Errorf("persisted state = %s, want ready", persisted.State)
	}
}

func TestProvisionRetriesTransientFaults(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{
		provisionErrs: []error{providers.ErrProviderUnreachable, providers.ErrProviderUnreachable},
	}
	m, _ := newTestManager(t, adapter, clk)

	if _, err := m.Provision(context.Background(), "job-1", testCand()); err != nil {
		t.Fatalf("Provision should succeed after transient faults: %v", err)
	}
	if adapter.provisionCalls != 3 {
		t.Errorf("provision calls = %d, want 3", adapter.provisionCalls)
	}
}

func TestProvisionFailsFastOnCapacity(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{
		provisionErrs: []error{providers.ErrCapacityUnavailable},
	}
	m, store := newTestManager(t, adapter, clk)

	_, err := m.Provision(context.Background(), "job-1", testCand())
	if !errors.Is(err, providers.ErrCapacityUnavailable) {
		t.Fatalf("err = %v, want ErrCapacityUnavailable", err)
	}
	if adapter.provisionCalls != 1 {
		t.Errorf("capacity errors must not be retried, got %d calls", adapter.provisionCalls)
	}

	// The compensating terminate ran and the record is terminal.
	inst, err := store.GetInstanceByJob("job-1")
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if inst.State != models.InstanceStateTerminated {
		t.Errorf("state = %s, want terminated after compensation", inst.State)
	}
}

func TestProvisionTimeoutCompensates(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{
		pollStatuses: []providers.InstanceStatus{providers.StatusProvisioning},
	}
	// Every poll pushes manual time past a chunk of the 10m deadline.
	adapter.pollHook = func() { clk.Advance(3 * time.Minute) }
	m, store := newTestManager(t, adapter, clk)

	_, err := m.Provision(context.Background(), "job-1", testCand())
	if !errors.Is(err, providers.ErrCapacityUnavailable) {
		t.Fatalf("err = %v, want ErrCapacityUnavailable after timeout", err)
	}

	if adapter.terminateCount() == 0 {
		t.Error("timed-out provision must run the compensating terminate")
	}
	inst, err := store.GetInstanceByJob("job-1")
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if inst.State != models.InstanceStateTerminated {
		t.Errorf("state = %s, want terminated", inst.State)
	}
}

// hangAdapter blocks Provision until the call context ends.
type hangAdapter struct {
	mu             sync.Mutex
	provisionCalls int
	terminated     []string
}

func (h *hangAdapter) ID() string                         { return "fake" }
func (h *hangAdapter) Local() bool                        { return false }
func (h *hangAdapter) Classes() []providers.InstanceClass { return nil }

func (h *hangAdapter) Quote(context.Context, string, string) (providers.Quote, error) {
	return providers.Quote{}, providers.ErrQuoteUnavailable
}

func (h *hangAdapter) Provision(ctx context.Context, _, _, _ string) (string, error) {
	h.mu.Lock()
	h.provisionCalls++
	h.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

func (h *hangAdapter) PollStatus(context.Context, string) (providers.InstanceStatus, error) {
	return providers.StatusReady, nil
}

func (h *hangAdapter) Terminate(_ context.Context, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, handle)
	return nil
}

func (h *hangAdapter) CurrentCost(context.Context, string) (float64, error) {
	return 0, providers.ErrQuoteUnavailable
}

func (h *hangAdapter) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provisionCalls
}

func TestHungProviderCallHitsDeadline(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &hangAdapter{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry := providers.NewRegistry()
	registry.Register(adapter)
	store := repository.NewMemoryStore()
	bus := events.NewBus(logger)
	cfg := DefaultConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	cfg.RetryLimit = 2
	m := NewManager(registry, store, bus, clk, logger, cfg)

	// Each hung call must hit the per-call deadline, count as an
	// unreachable provider, and be retried up to the limit — never block
	// the saga forever.
	_, err := m.Provision(context.Background(), "job-1", testCand())
	if !errors.Is(err, providers.ErrCapacityUnavailable) {
		t.Fatalf("err = %v, want ErrCapacityUnavailable after retry exhaustion", err)
	}
	if got := adapter.calls(); got != 2 {
		t.Errorf("provision calls = %d, want the retry limit of 2", got)
	}

	inst, err := store.GetInstanceByJob("job-1")
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if inst.State != models.InstanceStateTerminated {
		t.Errorf("state = %s, want terminated after compensation", inst.State)
	}
}

func TestProvisionFailedStateDuringPoll(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{
		pollStatuses: []providers.InstanceStatus{providers.StatusProvisioning, providers.StatusError},
	}
	m, _ := newTestManager(t, adapter, clk)

	if _, err := m.Provision(context.Background(), "job-1", testCand()); err == nil {
		t.Fatal("expected error when provider reports error during provisioning")
	}
	if adapter.terminateCount() == 0 {
		t.Error("errored provision must still terminate")
	}
}

func TestTerminateIdempotent(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{}
	m, _ := newTestManager(t, adapter, clk)

	inst, err := m.Provision(context.Background(), "job-1", testCand())
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := m.Terminate(context.Background(), inst.ID); err != nil {
		t.Fatalf("first Terminate failed: %v", err)
	}
	if err := m.Terminate(context.Background(), inst.ID); err != nil {
		t.Errorf("repeated Terminate must return nil, got %v", err)
	}
	if got := adapter.terminateCount(); got != 1 {
		t.Errorf("provider Terminate calls = %d, want 1", got)
	}

	// The in-memory record is pruned once the provider confirms; only the
	// durable store row remains.
	if _, ok := m.Get(inst.ID); ok {
		t.Error("terminated instance should be dropped from the manager")
	}

	// Unknown instance ids are also success.
	if err := m.Terminate(context.Background(), "never-existed"); err != nil {
		t.Errorf("Terminate on unknown id = %v, want nil", err)
	}
}

func TestStartRequiresReady(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{}
	m, _ := newTestManager(t, adapter, clk)

	inst, err := m.Provision(context.Background(), "job-1", testCand())
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := m.Start(context.Background(), inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background(), inst.ID); err == nil {
		t.Error("Start from running should fail")
	}
}

func TestCurrentCostFallbackIsMonotonic(t *testing.T) {
	clk := clock.NewManual(time.Now())
	adapter := &scriptAdapter{} // CurrentCost always errors, forcing the fallback
	m, _ := newTestManager(t, adapter, clk)

	inst, err := m.Provision(context.Background(), "job-1", testCand())
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := m.Start(context.Background(), inst.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clk.Advance(30 * time.Minute)
	first, err := m.CurrentCost(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("CurrentCost failed: %v", err)
	}
	if first < 0.49 || first > 0.51 {
		t.Errorf("cost after 30m at $1/h = %v, want ~0.50", first)
	}

	clk.Advance(30 * time.Minute)
	second, err := m.CurrentCost(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("CurrentCost failed: %v", err)
	}
	if second < first {
		t.Errorf("cost went backwards: %v then %v", first, second)
	}
}
