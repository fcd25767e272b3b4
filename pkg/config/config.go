// Package config loads the engine tunables from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables that are not connection settings. Connection
// settings come from flags and environment variables.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Polling  PollingConfig  `yaml:"polling"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Calendly CalendlyConfig `yaml:"calendly"`
}

type QueueConfig struct {
	WorkflowConcurrency    int           `yaml:"workflow_concurrency"    validate:"min=1,max=100"`
	PollingConcurrency     int           `yaml:"polling_concurrency"     validate:"min=1,max=10"`
	MaintenanceConcurrency int           `yaml:"maintenance_concurrency" validate:"min=1,max=10"`
	PollInterval           time.Duration `yaml:"poll_interval"           validate:"min=10ms"`
}

type PollingConfig struct {
	Cron         string        `yaml:"cron"          validate:"required,cron"`
	Pause        time.Duration `yaml:"pause"         validate:"min=0"`
	RunRetention time.Duration `yaml:"run_retention" validate:"min=1h"`
}

type WebhookConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"     validate:"min=1"`
	IdempotencyRetention time.Duration `yaml:"idempotency_retention" validate:"min=1h"`
	DeadLetterBatch      int           `yaml:"dead_letter_batch"     validate:"min=1,max=500"`
	ReprocessCron        string        `yaml:"reprocess_cron"        validate:"required,cron"`
	CleanupCron          string        `yaml:"cleanup_cron"          validate:"required,cron"`
}

type CalendlyConfig struct {
	APIBase   string  `yaml:"api_base"   validate:"required,url"`
	AuthBase  string  `yaml:"auth_base"  validate:"required,url"`
	RateLimit int    `yaml:"rate_limit" validate:"min=1"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			WorkflowConcurrency:    5,
			PollingConcurrency:     1,
			MaintenanceConcurrency: 1,
			PollInterval:           time.Second,
		},
		Polling: PollingConfig{
			Cron:         "0 */6 * * *",
			Pause:        2 * time.Second,
			RunRetention: 30 * 24 * time.Hour,
		},
		Webhooks: WebhookConfig{
			FailureThreshold:     10,
			IdempotencyRetention: 7 * 24 * time.Hour,
			DeadLetterBatch:      10,
			ReprocessCron:        "*/15 * * * *",
			CleanupCron:          "0 3 * * *",
		},
		Calendly: CalendlyConfig{
			APIBase:   "https://api.calendly.com",
			AuthBase:  "https://auth.calendly.com",
			RateLimit: 5,
		},
	}
}

// Load reads the file over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadOrDefault is Load that falls back to the defaults when the file does
// not exist. Invalid files are still an error.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return cfg, err
}

func Validate(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())

		return err == nil
	})
	if err != nil {
		return err
	}

	err = validate.Struct(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
