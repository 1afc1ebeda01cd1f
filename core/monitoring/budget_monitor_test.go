package monitoring

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/models"

	"github.com/sirupsen/logrus"
)

// fakeCostSource reports a settable accrued cost per instance.
type fakeCostSource struct {
	mu    sync.Mutex
	costs map[string]float64
}

func (f *fakeCostSource) set(instanceID string, cost float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs[instanceID] = cost
}

func (f *fakeCostSource) CurrentCost(_ context.Context, instanceID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.costs[instanceID], nil
}

func newTestMonitor(t *testing.T) (*BudgetMonitor, *fakeCostSource, *clock.Manual) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeCostSource{costs: make(map[string]float64)}
	bm := NewBudgetMonitor(source, clk, logger, Config{SampleInterval: time.Minute, SoftFraction: 0.8}, nil)
	return bm, source, clk
}

func drainSignal(t *testing.T, bm *BudgetMonitor) models.BudgetSignal {
	t.Helper()
	select {
	case sig := <-bm.Signals():
		return sig
	default:
		t.Fatal("expected a budget signal")
		return models.BudgetSignal{}
	}
}

func expectNoSignal(t *testing.T, bm *BudgetMonitor) {
	t.Helper()
	select {
	case sig := <-bm.Signals():
		t.Fatalf("unexpected signal %+v", sig)
	default:
	}
}

func TestSoftLimitWarnsOnce(t *testing.T) {
	bm, source, _ := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 10.0)

	source.set("inst-1", 5.0)
	bm.sampleAll(context.Background())
	expectNoSignal(t, bm)

	source.set("inst-1", 8.5)
	bm.sampleAll(context.Background())
	sig := drainSignal(t, bm)
	if sig.Kind != models.BudgetSignalWarn {
		t.Errorf("kind = %s, want soft_limit", sig.Kind)
	}
	if sig.JobID != "job-1" || sig.CeilingUSD != 10.0 {
		t.Errorf("unexpected signal %+v", sig)
	}

	// Staying over the soft limit does not repeat the warning.
	source.set("inst-1", 9.0)
	bm.sampleAll(context.Background())
	expectNoSignal(t, bm)

	state, ok := bm.Snapshot("job-1")
	if !ok || state.Status != models.BudgetApproaching {
		t.Errorf("status = %v, want approaching", state.Status)
	}
}

func TestHardLimitSignalsOnce(t *testing.T) {
	bm, source, _ := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 10.0)

	source.set("inst-1", 11.0)
	bm.sampleAll(context.Background())
	sig := drainSignal(t, bm)
	if sig.Kind != models.BudgetSignalExceeded {
		t.Errorf("kind = %s, want hard_limit", sig.Kind)
	}

	source.set("inst-1", 12.0)
	bm.sampleAll(context.Background())
	expectNoSignal(t, bm)

	state, _ := bm.Snapshot("job-1")
	if state.Status != models.BudgetExceeded {
		t.Errorf("status = %v, want exceeded", state.Status)
	}
}

func TestUnboundedJobNeverSignals(t *testing.T) {
	bm, source, _ := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 0)

	source.set("inst-1", 1e6)
	bm.sampleAll(context.Background())
	expectNoSignal(t, bm)

	// Still sampled for accounting.
	state, ok := bm.Snapshot("job-1")
	if !ok || state.AccruedUSD != 1e6 {
		t.Errorf("accrued = %v, want 1e6", state.AccruedUSD)
	}
}

func TestAccruedCostMonotonic(t *testing.T) {
	bm, source, _ := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 0)

	source.set("inst-1", 5.0)
	bm.sampleAll(context.Background())
	source.set("inst-1", 3.0) // provider rollback must not be believed
	bm.sampleAll(context.Background())

	state, _ := bm.Snapshot("job-1")
	if state.AccruedUSD != 5.0 {
		t.Errorf("accrued = %v, want 5.0", state.AccruedUSD)
	}
}

func TestSetCeilingRearmsThresholds(t *testing.T) {
	bm, source, _ := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 10.0)

	source.set("inst-1", 11.0)
	bm.sampleAll(context.Background())
	drainSignal(t, bm)

	// Raising the ceiling re-arms both thresholds.
	bm.SetCeiling("job-1", 20.0)
	source.set("inst-1", 17.0)
	bm.sampleAll(context.Background())
	sig := drainSignal(t, bm)
	if sig.Kind != models.BudgetSignalWarn {
		t.Errorf("kind = %s, want soft_limit after ceiling raise", sig.Kind)
	}
	if sig.CeilingUSD != 20.0 {
		t.Errorf("ceiling = %v, want 20.0", sig.CeilingUSD)
	}
}

func TestStopRemovesTracking(t *testing.T) {
	bm, source, _ := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 10.0)
	bm.Stop("job-1")

	source.set("inst-1", 100.0)
	bm.sampleAll(context.Background())
	expectNoSignal(t, bm)
	if _, ok := bm.Snapshot("job-1"); ok {
		t.Error("stopped job should have no snapshot")
	}
}

func TestStartSamplesOnTicker(t *testing.T) {
	bm, source, clk := newTestMonitor(t)
	bm.Track("job-1", "inst-1", 10.0)
	source.set("inst-1", 11.0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		bm.Start(ctx)
	}()
	<-started

	// Let the goroutine install its ticker before advancing time.
	time.Sleep(10 * time.Millisecond)
	clk.Advance(time.Minute)

	select {
	case sig := <-bm.Signals():
		if sig.Kind != models.BudgetSignalExceeded {
			t.Errorf("kind = %s, want hard_limit", sig.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after a sampling tick")
	}
}
