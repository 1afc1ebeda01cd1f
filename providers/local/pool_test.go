package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/providers"
)

func newTestPool(clk clock.Clock) *Pool {
	return New("local", []Slot{
		{
			Class:         providers.InstanceClass{Name: "a100", VRAMGB: 40, ComputeTFLOPS: 150, GPUs: 1},
			Count:         2,
			HourlyRateUSD: 2.0,
		},
	}, clk)
}

func TestPoolCapacityExhaustion(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPool(clk)
	ctx := context.Background()

	h1, err := p.Provision(ctx, "a100", "", "")
	if err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}
	if _, err := p.Provision(ctx, "a100", "", ""); err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}
	if _, err := p.Provision(ctx, "a100", "", ""); !errors.Is(err, providers.ErrCapacityUnavailable) {
		t.Errorf("err = %v, want ErrCapacityUnavailable when the pool is full", err)
	}

	// Terminating frees the slot for reuse.
	if err := p.Terminate(ctx, h1); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if _, err := p.Provision(ctx, "a100", "", ""); err != nil {
		t.Errorf("Provision after free failed: %v", err)
	}
}

func TestPoolUnknownClass(t *testing.T) {
	clk := clock.NewManual(time.Now())
	p := newTestPool(clk)

	if _, err := p.Provision(context.Background(), "h100", "", ""); !errors.Is(err, providers.ErrProvisionRejected) {
		t.Errorf("err = %v, want ErrProvisionRejected", err)
	}
	if _, err := p.Quote(context.Background(), "h100", ""); !errors.Is(err, providers.ErrQuoteUnavailable) {
		t.Errorf("err = %v, want ErrQuoteUnavailable", err)
	}
}

func TestPoolTerminateIdempotent(t *testing.T) {
	clk := clock.NewManual(time.Now())
	p := newTestPool(clk)
	ctx := context.Background()

	h, err := p.Provision(ctx, "a100", "", "")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := p.Terminate(ctx, h); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	// Repeats and unknown handles return nil and never double-free the slot.
	if err := p.Terminate(ctx, h); err != nil {
		t.Errorf("repeated Terminate = %v, want nil", err)
	}
	if err := p.Terminate(ctx, "local-never-existed"); err != nil {
		t.Errorf("unknown handle Terminate = %v, want nil", err)
	}

	if _, err := p.Provision(ctx, "a100", "", ""); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if _, err := p.Provision(ctx, "a100", "", ""); err != nil {
		t.Errorf("double Terminate leaked a slot: %v", err)
	}
}

func TestPoolStatusAndCost(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p := newTestPool(clk)
	ctx := context.Background()

	h, err := p.Provision(ctx, "a100", "", "")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	// Local slots are ready immediately, no provisioning delay.
	status, err := p.PollStatus(ctx, h)
	if err != nil || status != providers.StatusReady {
		t.Errorf("status = %s (%v), want ready", status, err)
	}

	clk.Advance(90 * time.Minute)
	cost, err := p.CurrentCost(ctx, h)
	if err != nil {
		t.Fatalf("CurrentCost failed: %v", err)
	}
	if cost < 2.99 || cost > 3.01 {
		t.Errorf("cost after 90m at $2/h = %v, want ~3.00", cost)
	}

	status, _ = p.PollStatus(ctx, "unknown")
	if status != providers.StatusTerminated {
		t.Errorf("unknown handle status = %s, want terminated", status)
	}
}
