// Package config loads orchestrator configuration from an optional YAML
// file with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	// Server
	ServerPort string `yaml:"server_port"`

	// Database. Empty means the in-memory store.
	DatabaseURL string `yaml:"database_url"`

	// AWS provider
	AWSEnabled bool   `yaml:"aws_enabled"`
	AWSRegion  string `yaml:"aws_region"`
	AWSSpot    bool   `yaml:"aws_spot"`

	// Local pool provider
	LocalPool []LocalSlot `yaml:"local_pool"`

	// Pricing
	PricingMaxAge time.Duration `yaml:"pricing_max_age"`

	// Estimation
	EstimateMargin     float64 `yaml:"estimate_margin"`
	DeviationThreshold float64 `yaml:"deviation_threshold"`

	// Placement
	UrgencyWaitFactor         float64 `yaml:"urgency_wait_factor"`
	LocalitySizeThresholdGB   float64 `yaml:"locality_size_threshold_gb"`
	LocalityPenaltyUSDPerHour float64 `yaml:"locality_penalty_usd_per_hour"`

	// Lifecycle
	ProvisionTimeout    time.Duration `yaml:"provision_timeout"`
	ProviderCallTimeout time.Duration `yaml:"provider_call_timeout"`
	PollBackoffBase     time.Duration `yaml:"poll_backoff_base"`
	PollBackoffMax      time.Duration `yaml:"poll_backoff_max"`
	RetryLimit          int           `yaml:"retry_limit"`
	ImageRef            string        `yaml:"image_ref"`

	// Budget
	BudgetSampleInterval time.Duration `yaml:"budget_sample_interval"`
	BudgetSoftFraction   float64       `yaml:"budget_soft_fraction"`
	BudgetPolicy         string        `yaml:"budget_policy"`

	// Scheduler
	AutoConfirm      bool          `yaml:"auto_confirm"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// LocalSlot describes one class of on-premise capacity.
type LocalSlot struct {
	Class         string  `yaml:"class"`
	VRAMGB        int     `yaml:"vram_gb"`
	ComputeTFLOPS float64 `yaml:"compute_tflops"`
	Count         int     `yaml:"count"`
	HourlyRateUSD float64 `yaml:"hourly_rate_usd"`
}

func defaults() *Config {
	return &Config{
		ServerPort:                "8080",
		AWSEnabled:                true,
		AWSRegion:                 "us-east-1",
		PricingMaxAge:             5 * time.Minute,
		EstimateMargin:            0.20,
		DeviationThreshold:        0.20,
		UrgencyWaitFactor:         2.0,
		LocalitySizeThresholdGB:   50,
		LocalityPenaltyUSDPerHour: 0.50,
		ProvisionTimeout:          10 * time.Minute,
		ProviderCallTimeout:       30 * time.Second,
		PollBackoffBase:           2 * time.Second,
		PollBackoffMax:            30 * time.Second,
		RetryLimit:                5,
		BudgetSampleInterval:      60 * time.Second,
		BudgetSoftFraction:        0.8,
		BudgetPolicy:              "abort-and-save-partial",
		DispatchInterval:          time.Second,
		LogLevel:                  "info",
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// is absent), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.AWSEnabled = getEnvBool("AWS_ENABLED", cfg.AWSEnabled)
	cfg.AWSSpot = getEnvBool("AWS_SPOT", cfg.AWSSpot)
	cfg.BudgetPolicy = getEnv("BUDGET_POLICY", cfg.BudgetPolicy)
	cfg.AutoConfirm = getEnvBool("AUTO_CONFIRM", cfg.AutoConfirm)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
