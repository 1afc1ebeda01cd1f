// Package estimator converts a job's media profile into a projected
// duration and cost range for a chosen candidate.
package estimator

import (
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/models"
)

// Per-image processing baseline at 1080p on the reference profile.
const secondsPerImage = 2.0

// Minimum projected processing time; provisioning overhead dominates below
// this anyway.
const floorSeconds = 60.0

var resolutionMultiplier = map[models.ResolutionClass]float64{
	models.Resolution480p:  0.5,
	models.Resolution720p:  0.75,
	models.Resolution1080p: 1.0,
	models.Resolution4K:    2.5,
}

// Estimator produces cost estimates. Deterministic given identical inputs:
// no sampling, no randomness, and the clock only stamps IssuedAt.
type Estimator struct {
	margin      float64 // uncertainty fraction applied as +/- bounds
	speedFactor float64 // realtime multiple the reference pipeline processes at
	clk         clock.Clock
}

// New creates an estimator. margin is the +/- uncertainty fraction
// (default deployment value 0.20); speedFactor is how many media-seconds
// the pipeline processes per wall-clock second at 1080p.
func New(margin, speedFactor float64, clk clock.Clock) *Estimator {
	if speedFactor <= 0 {
		speedFactor = 4.0
	}
	return &Estimator{margin: margin, speedFactor: speedFactor, clk: clk}
}

// Estimate projects duration and cost for running the job's media on the
// candidate. The complexity score comes from a bounded sample of the media
// taken at submission, so two passes over the same profile agree.
func (e *Estimator) Estimate(media models.MediaProfile, _ models.ResourceRequirements, cand models.Candidate) models.CostEstimate {
	base := media.DurationSeconds
	if media.Type == models.MediaTypeImage {
		base = float64(media.Count) * secondsPerImage
	}

	resMult := 1.0
	if media.Type != models.MediaTypeAudio {
		if m, ok := resolutionMultiplier[media.Resolution]; ok {
			resMult = m
		}
	}
	complexityMult := 1.0 + media.Complexity

	seconds := base * resMult * complexityMult / e.speedFactor
	if seconds < floorSeconds {
		seconds = floorSeconds
	}
	duration := time.Duration(seconds * float64(time.Second))

	point := cand.EffectiveRate() * duration.Hours()
	return models.CostEstimate{
		Provider:          cand.Provider,
		InstanceClass:     cand.InstanceClass,
		ProjectedDuration: duration,
		PointCostUSD:      point,
		LowUSD:            point * (1 - e.margin),
		HighUSD:           point * (1 + e.margin),
		Margin:            e.margin,
		IssuedAt:          e.clk.Now(),
	}
}
