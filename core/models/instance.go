package models

import "time"

// InstanceState represents the lifecycle state of an external instance
type InstanceState string

const (
	InstanceStateRequested    InstanceState = "requested"
	InstanceStateProvisioning InstanceState = "provisioning"
	InstanceStateReady        InstanceState = "ready"
	InstanceStateRunning      InstanceState = "running"
	InstanceStateTerminating  InstanceState = "terminating"
	InstanceStateTerminated   InstanceState = "terminated"
	InstanceStateError        InstanceState = "error"
)

// Terminal reports whether no further transitions or cost accrual can occur.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateTerminated
}

// Instance is a live external compute resource. Owned by the lifecycle
// manager from provision request until confirmed terminated; everyone else
// holds a non-owning reference by id.
type Instance struct {
	ID             string // orchestrator-assigned, stable across retries
	Handle         string // provider-assigned handle, empty until provision acks
	Provider       string
	InstanceClass  string
	State          InstanceState
	JobID          string
	HourlyRateUSD  float64
	LeaseStart     time.Time
	AccruedCostUSD float64
	UpdatedAt      time.Time
}
