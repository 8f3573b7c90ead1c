package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "tickguard/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  file:
    enabled: true
    path: /var/log/tickguard.log
tasks:
  - name: backup
    waiting_period_seconds: 300
    command: ["/usr/local/bin/backup.sh", "--fast"]
  - name: never-runs
    waiting_period_seconds: 0
    command: ["/bin/true"]
probe:
  schedule: "@every 20s"
  watchdog_notify: true
history:
  enabled: true
  path: /var/lib/tickguard/history.db
  busy_timeout: 2s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging section mismatch: %+v", cfg.Logging)
	}
	if len(cfg.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(cfg.Tasks))
	}
	if cfg.Tasks[0].WaitingPeriodSeconds != 300 {
		t.Fatalf("waiting period = %v, want 300", cfg.Tasks[0].WaitingPeriodSeconds)
	}
	if got := cfg.ProbeScheduleOrDefault(); got != "@every 20s" {
		t.Fatalf("probe schedule = %q", got)
	}
	if got := cfg.BusyTimeoutOrDefault(time.Second); got != 2*time.Second {
		t.Fatalf("busy timeout = %v, want 2s", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "watchdog_notify:", "watchdog_notfy:", 1)
	m := NewManager(writeFile(t, "config.yaml", body), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRejectsBadTasks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"missing name", "tasks:\n  - command: [\"/bin/true\"]\n"},
		{"missing command", "tasks:\n  - name: a\n"},
		{"duplicate name", "tasks:\n  - name: a\n    command: [\"/bin/true\"]\n  - name: a\n    command: [\"/bin/true\"]\n"},
		{"history without path", "history:\n  enabled: true\n"},
		{"alerts without token", "alerts:\n  enabled: true\n  chat_id: 5\n"},
		{"bad busy timeout", "history:\n  enabled: true\n  path: /tmp/x.db\n  busy_timeout: nope\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "config.yaml", tt.body), logx.Nop())
			if _, err := m.Load(); err == nil {
				t.Fatalf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestDefaultsWhenSectionsOmitted(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", "tasks: []\n"), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.ProbeScheduleOrDefault(); got != DefaultProbeSchedule {
		t.Fatalf("probe schedule = %q, want default", got)
	}
	lc := cfg.LogxConfig()
	if !lc.Console {
		t.Fatal("console logging should default on")
	}
}

func TestJSONConfigAccepted(t *testing.T) {
	t.Parallel()
	body := `{"tasks":[{"name":"a","waiting_period_seconds":5,"command":["/bin/true"]}]}`
	m := NewManager(writeFile(t, "config.json", body), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].Name != "a" {
		t.Fatalf("unexpected tasks: %+v", cfg.Tasks)
	}
}
