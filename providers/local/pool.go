// Package local implements the provider adapter over an on-premise GPU
// pool with a fixed inventory. It is the only provider kind eligible for
// privacy-restricted jobs.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/providers"

	"github.com/google/uuid"
)

// Slot describes one class of machines in the pool and how many exist.
type Slot struct {
	Class         providers.InstanceClass
	Count         int
	HourlyRateUSD float64 // internal chargeback rate
}

// Pool is a local/private provider adapter. Provisioning allocates a slot
// immediately; there is no spot market and no availability delay.
type Pool struct {
	id    string
	slots map[string]*slotState
	clk   clock.Clock

	mu        sync.Mutex
	instances map[string]*poolInstance
}

type slotState struct {
	slot Slot
	used int
}

type poolInstance struct {
	class      string
	status     providers.InstanceStatus
	leaseStart time.Time
	rate       float64
}

// New creates a local pool adapter with the given inventory.
func New(id string, slots []Slot, clk clock.Clock) *Pool {
	p := &Pool{
		id:        id,
		slots:     make(map[string]*slotState),
		clk:       clk,
		instances: make(map[string]*poolInstance),
	}
	for _, s := range slots {
		p.slots[s.Class.Name] = &slotState{slot: s}
	}
	return p
}

func (p *Pool) ID() string { return p.id }

func (p *Pool) Local() bool { return true }

func (p *Pool) Classes() []providers.InstanceClass {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]providers.InstanceClass, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.slot.Class)
	}
	return out
}

func (p *Pool) Quote(_ context.Context, instanceClass, _ string) (providers.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[instanceClass]
	if !ok {
		return providers.Quote{}, fmt.Errorf("class %s: %w", instanceClass, providers.ErrQuoteUnavailable)
	}
	return providers.Quote{
		HourlyRateUSD: s.slot.HourlyRateUSD,
		FetchedAt:     p.clk.Now(),
	}, nil
}

func (p *Pool) Provision(_ context.Context, instanceClass, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[instanceClass]
	if !ok {
		return "", fmt.Errorf("class %s: %w", instanceClass, providers.ErrProvisionRejected)
	}
	if s.used >= s.slot.Count {
		return "", fmt.Errorf("class %s: %w", instanceClass, providers.ErrCapacityUnavailable)
	}
	s.used++
	handle := "local-" + uuid.New().String()
	p.instances[handle] = &poolInstance{
		class:      instanceClass,
		status:     providers.StatusReady,
		leaseStart: p.clk.Now(),
		rate:       s.slot.HourlyRateUSD,
	}
	return handle, nil
}

func (p *Pool) PollStatus(_ context.Context, handle string) (providers.InstanceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[handle]
	if !ok {
		return providers.StatusTerminated, nil
	}
	return inst.status, nil
}

// Terminate frees the slot. Unknown or already-freed handles succeed.
func (p *Pool) Terminate(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[handle]
	if !ok || inst.status == providers.StatusTerminated {
		return nil
	}
	inst.status = providers.StatusTerminated
	if s, ok := p.slots[inst.class]; ok && s.used > 0 {
		s.used--
	}
	return nil
}

func (p *Pool) CurrentCost(_ context.Context, handle string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[handle]
	if !ok {
		return 0, fmt.Errorf("handle %s: %w", handle, providers.ErrQuoteUnavailable)
	}
	elapsed := p.clk.Since(inst.leaseStart).Hours()
	return inst.rate * elapsed, nil
}
