// Package placement ranks eligible provider/instance candidates for a job.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"media-orchestrator/core/models"
	"media-orchestrator/core/pricing"
	"media-orchestrator/providers"

	"github.com/sirupsen/logrus"
)

// ErrNoEligibleCandidate means zero candidates survived the hard filters.
// Policy violations are never silently relaxed; the caller fails the job
// with this reason.
var ErrNoEligibleCandidate = errors.New("no eligible candidate")

// Config holds the placement policy knobs, fixed at construction.
type Config struct {
	// QuoteTimeout bounds each re-quote call to an adapter. A provider that
	// hangs past it is excluded from the pass like any other quote failure.
	QuoteTimeout time.Duration

	// UrgencyWaitFactor: promote a candidate over a cheaper one only when
	// the cheaper one's estimated wait exceeds this multiple of the
	// promoted one's wait, for priority >= high.
	UrgencyWaitFactor float64
	// LocalitySizeThresholdGB: media larger than this incurs the remote
	// transfer penalty on non-local providers.
	LocalitySizeThresholdGB float64
	// LocalityPenaltyUSDPerHour is the synthetic hourly cost added to
	// remote candidates for oversized media.
	LocalityPenaltyUSDPerHour float64
}

// Engine produces ranked candidate lists. All decision logic is computed
// synchronously; the only I/O is re-quoting stale cache entries.
type Engine struct {
	registry *providers.Registry
	cache    *pricing.Cache
	cfg      Config
	logger   logrus.FieldLogger
}

// NewEngine creates a placement engine.
func NewEngine(registry *providers.Registry, cache *pricing.Cache, cfg Config, logger logrus.FieldLogger) *Engine {
	if cfg.UrgencyWaitFactor <= 0 {
		cfg.UrgencyWaitFactor = 2.0
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 30 * time.Second
	}
	return &Engine{registry: registry, cache: cache, cfg: cfg, logger: logger}
}

// Rank returns candidates ordered best-first.
//
// Hard filters (capability, privacy) run before any quoting; soft ranking
// orders survivors by effective hourly cost, then applies urgency
// promotion and the data-locality penalty. Ties break by provider id then
// class name, so identical inputs always produce identical output.
func (e *Engine) Rank(ctx context.Context, req models.ResourceRequirements, privacy bool, priority models.Priority, media models.MediaProfile) ([]models.Candidate, error) {
	type survivor struct {
		adapter providers.Adapter
		class   providers.InstanceClass
	}
	var survivors []survivor

	for _, adapter := range e.registry.All() {
		if privacy && !adapter.Local() {
			continue
		}
		for _, class := range adapter.Classes() {
			if class.VRAMGB < req.MinVRAMGB || class.ComputeTFLOPS < req.MinComputeTFLOPS {
				continue
			}
			survivors = append(survivors, survivor{adapter, class})
		}
	}
	if len(survivors) == 0 {
		return nil, fmt.Errorf("requirements %dGB/%.1fTFLOPS privacy=%v: %w",
			req.MinVRAMGB, req.MinComputeTFLOPS, privacy, ErrNoEligibleCandidate)
	}

	applyPenalty := media.SizeGB > e.cfg.LocalitySizeThresholdGB && e.cfg.LocalitySizeThresholdGB > 0

	var candidates []models.Candidate
	for _, s := range survivors {
		quote, ok := e.freshQuote(ctx, s.adapter, s.class.Name)
		if !ok {
			continue
		}
		cand := models.Candidate{
			Provider:      s.adapter.ID(),
			InstanceClass: s.class.Name,
			HourlyRateUSD: quote.HourlyRateUSD,
			Spot:          quote.Spot,
			EstimatedWait: quote.AvailabilityDelay,
		}
		if applyPenalty && !s.adapter.Local() {
			cand.LocalityPenaltyUSD = e.cfg.LocalityPenaltyUSDPerHour
		}
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("all survivors unquotable: %w", ErrNoEligibleCandidate)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.EffectiveRate() != b.EffectiveRate() {
			return a.EffectiveRate() < b.EffectiveRate()
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.InstanceClass < b.InstanceClass
	})

	if priority.Urgent() {
		e.promoteByWait(candidates)
	}
	return candidates, nil
}

// freshQuote returns a quote within the staleness bound, re-quoting through
// the adapter when the cached entry is stale or missing. A quote failure
// excludes the candidate from this pass rather than failing the ranking.
func (e *Engine) freshQuote(ctx context.Context, adapter providers.Adapter, class string) (providers.Quote, bool) {
	if e.cache.Fresh(adapter.ID(), class) {
		q, _, _ := e.cache.Get(adapter.ID(), class)
		return q, true
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QuoteTimeout)
	defer cancel()
	q, err := adapter.Quote(callCtx, class, "")
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"provider": adapter.ID(),
			"class":    class,
		}).WithError(err).Warn("re-quote failed, candidate excluded")
		return providers.Quote{}, false
	}
	e.cache.Put(adapter.ID(), class, q)
	return q, true
}

// promoteByWait bubbles a candidate ahead of a cheaper neighbor whenever
// the cheaper one's estimated wait exceeds UrgencyWaitFactor times its own.
func (e *Engine) promoteByWait(candidates []models.Candidate) {
	for swapped := true; swapped; {
		swapped = false
		for i := 0; i < len(candidates)-1; i++ {
			a, b := candidates[i], candidates[i+1]
			if float64(a.EstimatedWait) > e.cfg.UrgencyWaitFactor*float64(b.EstimatedWait) {
				candidates[i], candidates[i+1] = b, a
				swapped = true
			}
		}
	}
}
