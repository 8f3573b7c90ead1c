package periodic

import (
	"errors"
	"time"
)

// ErrDisposed is returned by every public operation invoked after Dispose.
var ErrDisposed = errors.New("periodic: task disposed")

// errNotArmed signals a resume attempt against a cleared timer handle
// (e.g. Stop raced an in-flight iteration). The executor's resume fallback
// turns it into a full reset when the task is still marked running.
var errNotArmed = errors.New("periodic: timer not armed")

// Config is the schedule configuration. Set once at construction and
// immutable during a run.
type Config struct {
	// WaitingPeriodSeconds is the default interval between iterations.
	// Values under 1 mean "never run": Start succeeds but leaves the task
	// permanently idle.
	WaitingPeriodSeconds float64
}

// Result is the output of one operation invocation. A
// NextWaitingPeriodSeconds above 1 overrides the configured interval for
// the following wait only; otherwise the configured period governs.
type Result struct {
	NextWaitingPeriodSeconds float64
}

// Operation is the caller-supplied work contract. Errors (and panics) are
// contained by the executor: logged, non-fatal, the schedule continues.
type Operation func() (Result, error)

// Simple adapts the legacy no-result contract: the wrapped function always
// reports "use the default wait".
func Simple(fn func() error) Operation {
	return func() (Result, error) {
		return Result{}, fn()
	}
}

// Snapshot is a point-in-time status view of a task. Intended for
// observability output, not synchronization.
type Snapshot struct {
	Name            string        `json:"name"`
	Running         bool          `json:"running"`
	Disposed        bool          `json:"disposed"`
	IterationActive bool          `json:"iteration_active"`
	LastCheckIn     time.Time     `json:"last_check_in"`
	NextDeadline    time.Time     `json:"next_deadline"`
	WaitingPeriod   time.Duration `json:"waiting_period"`
}

// IterationInfo rides on iteration.* events.
type IterationInfo struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	NextWait float64       `json:"next_wait_s"`
}

// ResetInfo rides on watchdog.reset events.
type ResetInfo struct {
	LastCheckIn time.Time     `json:"last_check_in"`
	Deadline    time.Time     `json:"deadline"`
	Threshold   time.Duration `json:"threshold"`
}
