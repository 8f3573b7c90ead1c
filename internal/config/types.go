package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "tickguard/pkg/logx"
)

// Config is the daemon configuration. Fields use JSON tags because both
// JSON and YAML files go through the strict JSON decoder (see decode.go).
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Tasks   []TaskConfig  `json:"tasks"`
	Probe   ProbeConfig   `json:"probe"`
	History HistoryConfig `json:"history"`
	Alerts  AlertsConfig  `json:"alerts"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console,omitempty"` // nil means default true
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// TaskConfig declares one supervised periodic task. The waiting period is
// fractional seconds; a value under 1 (the default 0 included) means the
// task is registered but never runs.
type TaskConfig struct {
	Name                 string   `json:"name"`
	WaitingPeriodSeconds float64  `json:"waiting_period_seconds"`
	Command              []string `json:"command"`
	WorkDir              string   `json:"work_dir,omitempty"`
	// IntervalFromOutput lets the command request its next waiting period
	// by printing a number as the last stdout line.
	IntervalFromOutput bool `json:"interval_from_output,omitempty"`
}

// ProbeConfig controls the supervisor-side liveness checks.
type ProbeConfig struct {
	// Schedule is a cron spec or "@every <duration>" driving Probe() calls
	// on every task. Empty means the default cadence.
	Schedule string `json:"schedule"`
	// WatchdogNotify forwards probe health to the systemd watchdog when
	// the process runs under a unit with WatchdogSec set.
	WatchdogNotify bool `json:"watchdog_notify"`
}

type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	KeepDays    int    `json:"keep_days,omitempty"`
}

type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"`
	ChatID        int64  `json:"chat_id"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
}

const DefaultProbeSchedule = "@every 15s"

// LogxConfig maps the logging section onto pkg/logx.
func (c *Config) LogxConfig() logx.Config {
	console := true
	if c.Logging.Console != nil {
		console = *c.Logging.Console
	}
	out := logx.Config{Level: c.Logging.Level, Console: console}
	out.File.Enabled = c.Logging.File.Enabled
	out.File.Path = c.Logging.File.Path
	return out
}

// Validate rejects configurations the daemon could not run with. It does
// not second-guess deliberate "never run" waiting periods.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, t := range c.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("tasks[%d]: duplicate task name %q", i, name)
		}
		seen[name] = true
		if len(t.Command) == 0 {
			return fmt.Errorf("tasks[%d] (%s): command is required", i, name)
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		return errors.New("history.path is required when history is enabled")
	}
	if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
		return err
	}
	if c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Token) == "" {
			return errors.New("alerts.token is required when alerts are enabled")
		}
		if c.Alerts.ChatID == 0 {
			return errors.New("alerts.chat_id is required when alerts are enabled")
		}
	}
	return nil
}

// ProbeScheduleOrDefault returns the configured probe cadence, falling
// back to the default.
func (c *Config) ProbeScheduleOrDefault() string {
	s := strings.TrimSpace(c.Probe.Schedule)
	if s == "" {
		return DefaultProbeSchedule
	}
	return s
}

// BusyTimeoutOrDefault parses history.busy_timeout with a fallback.
func (c *Config) BusyTimeoutOrDefault(def time.Duration) time.Duration {
	d, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseDurationField parses an optional duration string from config.
// Empty means zero; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
