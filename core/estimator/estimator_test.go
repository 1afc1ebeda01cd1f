package estimator

import (
	"testing"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/core/models"
)

func testCandidate(rate float64) models.Candidate {
	return models.Candidate{Provider: "aws", InstanceClass: "g5.xlarge", HourlyRateUSD: rate}
}

func TestEstimateDeterministic(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := New(0.25, 4.0, clk)

	media := models.MediaProfile{
		Type:            models.MediaTypeVideo,
		DurationSeconds: 3600,
		Resolution:      models.Resolution1080p,
		Complexity:      0.4,
	}
	a := e.Estimate(media, models.ResourceRequirements{}, testCandidate(1.0))
	b := e.Estimate(media, models.ResourceRequirements{}, testCandidate(1.0))

	if a != b {
		t.Errorf("identical inputs produced different estimates:\n%+v\n%+v", a, b)
	}
}

func TestEstimateProjection(t *testing.T) {
	clk := clock.NewManual(time.Now())
	e := New(0.25, 4.0, clk)

	tests := []struct {
		name         string
		media        models.MediaProfile
		wantDuration time.Duration
	}{
		{
			name: "hour of 1080p video at 4x realtime",
			media: models.MediaProfile{
				Type: models.MediaTypeVideo, DurationSeconds: 3600,
				Resolution: models.Resolution1080p,
			},
			wantDuration: 15 * time.Minute,
		},
		{
			name: "4k costs 2.5x the 1080p baseline",
			media: models.MediaProfile{
				Type: models.MediaTypeVideo, DurationSeconds: 3600,
				Resolution: models.Resolution4K,
			},
			wantDuration: time.Duration(2.5 * float64(15*time.Minute)),
		},
		{
			name: "complexity scales linearly",
			media: models.MediaProfile{
				Type: models.MediaTypeVideo, DurationSeconds: 3600,
				Resolution: models.Resolution1080p, Complexity: 1.0,
			},
			wantDuration: 30 * time.Minute,
		},
		{
			name: "image batch at 2s per image",
			media: models.MediaProfile{
				Type: models.MediaTypeImage, Count: 7200,
				Resolution: models.Resolution1080p,
			},
			wantDuration: time.Hour,
		},
		{
			name: "audio ignores resolution",
			media: models.MediaProfile{
				Type: models.MediaTypeAudio, DurationSeconds: 3600,
				Resolution: models.Resolution4K,
			},
			wantDuration: 15 * time.Minute,
		},
		{
			name: "tiny media hits the floor",
			media: models.MediaProfile{
				Type: models.MediaTypeVideo, DurationSeconds: 10,
				Resolution: models.Resolution1080p,
			},
			wantDuration: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate(tt.media, models.ResourceRequirements{}, testCandidate(1.0))
			if got.ProjectedDuration != tt.wantDuration {
				t.Errorf("duration = %v, want %v", got.ProjectedDuration, tt.wantDuration)
			}
		})
	}
}

func TestEstimateBounds(t *testing.T) {
	clk := clock.NewManual(time.Now())
	e := New(0.25, 4.0, clk)

	media := models.MediaProfile{
		Type: models.MediaTypeVideo, DurationSeconds: 3600,
		Resolution: models.Resolution1080p,
	}
	est := e.Estimate(media, models.ResourceRequirements{}, testCandidate(2.0))

	// 15 minutes at $2/h.
	wantPoint := 0.5
	if diff := est.PointCostUSD - wantPoint; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("point = %v, want %v", est.PointCostUSD, wantPoint)
	}
	if est.LowUSD >= est.PointCostUSD || est.HighUSD <= est.PointCostUSD {
		t.Errorf("bounds [%v, %v] do not bracket point %v", est.LowUSD, est.HighUSD, est.PointCostUSD)
	}
	if est.Margin != 0.25 {
		t.Errorf("margin = %v, want 0.25", est.Margin)
	}
}

func TestEstimateIncludesLocalityPenalty(t *testing.T) {
	clk := clock.NewManual(time.Now())
	e := New(0.25, 4.0, clk)

	media := models.MediaProfile{
		Type: models.MediaTypeVideo, DurationSeconds: 3600,
		Resolution: models.Resolution1080p,
	}
	plain := e.Estimate(media, models.ResourceRequirements{}, testCandidate(1.0))

	penalized := testCandidate(1.0)
	penalized.LocalityPenaltyUSD = 0.5
	withPenalty := e.Estimate(media, models.ResourceRequirements{}, penalized)

	if withPenalty.PointCostUSD <= plain.PointCostUSD {
		t.Errorf("penalized estimate %v should exceed plain %v", withPenalty.PointCostUSD, plain.PointCostUSD)
	}
}

func TestDeviationFrom(t *testing.T) {
	a := models.CostEstimate{PointCostUSD: 10}
	b := models.CostEstimate{PointCostUSD: 13}
	if dev := b.DeviationFrom(a); dev < 0.299 || dev > 0.301 {
		t.Errorf("deviation = %v, want 0.30", dev)
	}
	if dev := a.DeviationFrom(models.CostEstimate{}); dev != 0 {
		t.Errorf("deviation against zero baseline = %v, want 0", dev)
	}
}
