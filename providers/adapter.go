// Package providers defines the uniform contract every compute provider
// adapter implements, and the registry the orchestrator selects them from.
// The scheduler never branches on provider identity; it only sees this
// interface.
package providers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Error taxonomy shared by all adapters. Callers classify with errors.Is.
var (
	// ErrProviderUnreachable covers network failures and timeouts;
	// transient, retried with backoff.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrQuoteUnavailable means the provider could not price the request.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrCapacityUnavailable means the provider has no capacity for the
	// class; not retried against the same candidate.
	ErrCapacityUnavailable = errors.New("capacity unavailable")
	// ErrProvisionRejected means the provider refused the request outright.
	ErrProvisionRejected = errors.New("provision rejected")
)

// Quote is a price/availability answer for one instance class.
type Quote struct {
	HourlyRateUSD     float64
	Spot              bool
	AvailabilityDelay time.Duration
	FetchedAt         time.Time
}

// InstanceClass describes a provisionable compute profile.
type InstanceClass struct {
	Name          string
	VRAMGB        int
	ComputeTFLOPS float64
	GPUs          int
}

// InstanceStatus is the provider-side view of an instance.
type InstanceStatus string

const (
	StatusProvisioning InstanceStatus = "provisioning"
	StatusReady        InstanceStatus = "ready"
	StatusRunning      InstanceStatus = "running"
	StatusTerminated   InstanceStatus = "terminated"
	StatusError        InstanceStatus = "error"
)

// Adapter is the capability contract implemented once per provider.
//
// Terminate MUST be idempotent: terminating an already-terminated or
// unknown handle returns nil. PollStatus must be side-effect free.
type Adapter interface {
	// ID returns the stable provider id used for registry lookup and
	// deterministic tie-breaking.
	ID() string
	// Local reports whether the provider is a local/private pool, the only
	// kind eligible for privacy-restricted jobs.
	Local() bool
	// Classes lists the instance classes this provider can provision.
	Classes() []InstanceClass
	// Quote prices an instance class with an availability delay estimate.
	Quote(ctx context.Context, instanceClass, regionHint string) (Quote, error)
	// Provision requests an instance and returns the provider handle.
	Provision(ctx context.Context, instanceClass, imageRef, regionHint string) (string, error)
	// PollStatus reports the provider-side status for a handle.
	PollStatus(ctx context.Context, handle string) (InstanceStatus, error)
	// Terminate releases the instance. Idempotent.
	Terminate(ctx context.Context, handle string) error
	// CurrentCost returns the provider-reported accrued cost; best-effort,
	// callers fall back to rate times elapsed time on error.
	CurrentCost(ctx context.Context, handle string) (float64, error)
}

// Registry holds the configured adapters keyed by provider id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter; a duplicate id replaces the previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns all adapters sorted by provider id, so every placement pass
// walks them in the same order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
