package spec

import (
	"fmt"
	"time"

	"media-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// JobSpec is the YAML job specification submitted by clients.
type JobSpec struct {
	Job JobSpecJob `yaml:"job"`
}

// JobSpecJob is the job section of the spec.
type JobSpecJob struct {
	Name        string             `yaml:"name"`
	Media       JobSpecMedia       `yaml:"media"`
	Resources   JobSpecResources   `yaml:"resources"`
	Constraints JobSpecConstraints `yaml:"constraints"`
}

// JobSpecMedia describes the workload's input media.
type JobSpecMedia struct {
	Type            string  `yaml:"type"` // image | video | audio
	DurationSeconds float64 `yaml:"duration_seconds"`
	Count           int     `yaml:"count"`
	Resolution      string  `yaml:"resolution"` // 480p | 720p | 1080p | 4k
	SizeGB          float64 `yaml:"size_gb"`
	Complexity      float64 `yaml:"complexity"` // 0.0 - 1.0
}

// JobSpecResources is the hardware floor the workload needs.
type JobSpecResources struct {
	MinVRAMGB        int     `yaml:"min_vram_gb"`
	MinComputeTFLOPS float64 `yaml:"min_compute_tflops"`
}

// JobSpecConstraints holds placement and spend constraints.
type JobSpecConstraints struct {
	Priority string   `yaml:"priority"` // low | normal | high | critical
	Privacy  bool     `yaml:"privacy"`
	Budget   *float64 `yaml:"budget,omitempty"`
	Deadline string   `yaml:"deadline,omitempty"` // RFC 3339
}

// ParseJobSpec parses a YAML job specification into a Job model. Values the
// spec omits get defaults; structural errors are returned, semantic ones
// are left for admission validation.
func ParseJobSpec(specYAML string) (*models.Job, error) {
	var js JobSpec
	if err := yaml.Unmarshal([]byte(specYAML), &js); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	job := &models.Job{
		Name:     js.Job.Name,
		SpecYAML: specYAML,
		Media: models.MediaProfile{
			Type:            models.MediaType(js.Job.Media.Type),
			DurationSeconds: js.Job.Media.DurationSeconds,
			Count:           js.Job.Media.Count,
			Resolution:      models.ResolutionClass(js.Job.Media.Resolution),
			SizeGB:          js.Job.Media.SizeGB,
			Complexity:      js.Job.Media.Complexity,
		},
		Requirements: models.ResourceRequirements{
			MinVRAMGB:        js.Job.Resources.MinVRAMGB,
			MinComputeTFLOPS: js.Job.Resources.MinComputeTFLOPS,
		},
		Priority: models.Priority(js.Job.Constraints.Priority),
		Privacy:  js.Job.Constraints.Privacy,
	}

	if job.Media.Resolution == "" {
		job.Media.Resolution = models.Resolution1080p
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	switch job.Priority {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityCritical:
	default:
		return nil, fmt.Errorf("unknown priority %q", js.Job.Constraints.Priority)
	}

	if js.Job.Constraints.Budget != nil {
		ceiling := *js.Job.Constraints.Budget
		job.BudgetCeiling = &ceiling
	}
	if js.Job.Constraints.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, js.Job.Constraints.Deadline)
		if err != nil {
			return nil, fmt.Errorf("invalid deadline format: %w", err)
		}
		job.Deadline = &deadline
	}

	return job, nil
}
