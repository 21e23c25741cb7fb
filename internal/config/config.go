// Package config loads the YAML configuration file and fills in
// defaults so every other package can assume a fully populated Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// DBPath is the SQLite database file. ":memory:" works for
	// throwaway runs.
	DBPath string `yaml:"db_path"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SchedulerConfig controls the status pass cadences.
type SchedulerConfig struct {
	ExpireEvery   time.Duration `yaml:"expire_every"`
	ActivateEvery time.Duration `yaml:"activate_every"`
	// ReminderSpec is a cron expression; empty disables next-day
	// reminders.
	ReminderSpec string `yaml:"reminder_spec"`
}

// NotifyConfig controls the notification dispatcher.
type NotifyConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// TemplateDir holds the HTML notification templates. Empty falls
	// back to plain-text rendering.
	TemplateDir string `yaml:"template_dir"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics, e.g. ":9090". Empty
	// disables the endpoint.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DBPath: "agenda.db",
		Scheduler: SchedulerConfig{
			ExpireEvery:   30 * time.Minute,
			ActivateEvery: 15 * time.Minute,
			ReminderSpec:  "0 9 * * *",
		},
		Notify: NotifyConfig{
			Workers:      2,
			MaxAttempts:  3,
			BaseDelay:    2 * time.Second,
			SendTimeout:  30 * time.Second,
			BatchSize:    50,
			PollInterval: time.Second,
		},
	}
}

// Load reads the YAML file at path. A missing file is not an error:
// the defaults are returned. Zero values in the file are normalized
// back to their defaults so a partial config stays runnable.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize replaces zero or nonsense values with defaults.
func (c *Config) normalize() {
	def := Default()
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.Scheduler.ExpireEvery <= 0 {
		c.Scheduler.ExpireEvery = def.Scheduler.ExpireEvery
	}
	if c.Scheduler.ActivateEvery <= 0 {
		c.Scheduler.ActivateEvery = def.Scheduler.ActivateEvery
	}
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = def.Notify.Workers
	}
	if c.Notify.MaxAttempts <= 0 {
		c.Notify.MaxAttempts = def.Notify.MaxAttempts
	}
	if c.Notify.BaseDelay <= 0 {
		c.Notify.BaseDelay = def.Notify.BaseDelay
	}
	if c.Notify.SendTimeout <= 0 {
		c.Notify.SendTimeout = def.Notify.SendTimeout
	}
	if c.Notify.BatchSize <= 0 {
		c.Notify.BatchSize = def.Notify.BatchSize
	}
	if c.Notify.PollInterval <= 0 {
		c.Notify.PollInterval = def.Notify.PollInterval
	}
}
