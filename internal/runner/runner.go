// Package runner adapts external commands to the scheduler's operation
// contract: one invocation per iteration, non-zero exit is a contained
// operation failure.
package runner

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"tickguard/internal/periodic"
	logx "tickguard/pkg/logx"
)

type Config struct {
	Name    string
	Command []string
	WorkDir string
	// IntervalFromOutput lets the command request its next waiting period
	// by printing a number (seconds) as the last stdout line.
	IntervalFromOutput bool
}

// New builds the Operation for one configured command task.
//
// Deliberately no timeout here: the scheduler's contract places no bound
// on an iteration; runaway commands surface through the probe's drift
// diagnostics instead.
func New(cfg Config, log logx.Logger) (periodic.Operation, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("runner: empty command")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("task", cfg.Name))

	return func() (periodic.Result, error) {
		start := time.Now()
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		if cfg.WorkDir != "" {
			cmd.Dir = cfg.WorkDir
		}
		out, err := cmd.CombinedOutput()
		took := time.Since(start)
		if err != nil {
			return periodic.Result{}, fmt.Errorf("command failed: %w (output: %s)", err, tail(out, 400))
		}
		log.Debug("command completed", logx.Duration("took", took), logx.Int("output_bytes", len(out)))

		var res periodic.Result
		if cfg.IntervalFromOutput {
			if secs, ok := parseLastLineSeconds(out); ok {
				res.NextWaitingPeriodSeconds = secs
				log.Debug("command requested next interval", logx.Float64("next_wait_s", secs))
			}
		}
		return res, nil
	}, nil
}

// parseLastLineSeconds extracts a trailing numeric line, if any.
func parseLastLineSeconds(out []byte) (float64, bool) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return 0, false
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	secs, err := strconv.ParseFloat(last, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return secs, true
}

func tail(out []byte, maxN int) string {
	s := strings.TrimSpace(string(out))
	if len(s) <= maxN {
		return s
	}
	return "..." + s[len(s)-maxN:]
}
