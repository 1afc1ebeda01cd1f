package aws

import (
	"time"

	"media-orchestrator/providers"
)

// catalogEntry pairs an instance class with its published on-demand rate
// and a typical startup delay observed for the family.
type catalogEntry struct {
	Class          providers.InstanceClass
	OnDemandUSD    float64
	TypicalStartup time.Duration
}

// catalog lists the GPU instance classes the orchestrator will consider on
// EC2. Rates are the published us-east-1 on-demand prices; spot quotes
// override them at placement time.
var catalog = []catalogEntry{
	{providers.InstanceClass{Name: "g4dn.xlarge", VRAMGB: 16, ComputeTFLOPS: 8.1, GPUs: 1}, 0.526, 90 * time.Second},
	{providers.InstanceClass{Name: "g5.xlarge", VRAMGB: 24, ComputeTFLOPS: 31.2, GPUs: 1}, 1.006, 90 * time.Second},
	{providers.InstanceClass{Name: "p3.2xlarge", VRAMGB: 16, ComputeTFLOPS: 15.7, GPUs: 1}, 3.06, 2 * time.Minute},
	{providers.InstanceClass{Name: "p3.8xlarge", VRAMGB: 64, ComputeTFLOPS: 62.8, GPUs: 4}, 12.24, 3 * time.Minute},
	{providers.InstanceClass{Name: "p4d.24xlarge", VRAMGB: 320, ComputeTFLOPS: 312.0, GPUs: 8}, 32.77, 5 * time.Minute},
}

func lookupCatalog(name string) (catalogEntry, bool) {
	for _, e := range catalog {
		if e.Class.Name == name {
			return e, true
		}
	}
	return catalogEntry{}, false
}
