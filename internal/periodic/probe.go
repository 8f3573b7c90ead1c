package periodic

import (
	"time"

	"tickguard/internal/eventbus"
	logx "tickguard/pkg/logx"
)

// maxStaleThreshold caps how long the probe tolerates silence regardless
// of the configured period.
const maxStaleThreshold = 30 * time.Second

// Probe is the on-demand liveness check, callable at any time and any
// frequency by an external supervisor. It exists because a recurring alarm
// can silently fail to fire (timer starvation, a wedged callback thread)
// with no error to catch.
//
// A long-running iteration is not a fault: an in-progress run only emits a
// diagnostic. Otherwise the schedule is judged stalled iff BOTH the last
// check-in AND the next deadline lie more than min(30, 2×w) seconds in the
// past; either one alone is expected during legitimately long iterations.
// A stalled schedule gets a hard timer reset.
func (t *Task) Probe() error {
	if t.disposed.Load() {
		return ErrDisposed
	}

	deadline := time.Unix(0, t.nextDeadline.Load())
	if t.iterating.Load() {
		t.log.Debug("iteration in progress", logx.Time("next_due", deadline))
		return nil
	}
	if !t.running.Load() {
		// Idle by configuration or stopped; nothing to repair.
		t.log.Debug("task not running; probe is a no-op")
		return nil
	}

	threshold := t.staleThreshold()
	now := t.now()
	lastCheckIn := time.Unix(0, t.lastCheckIn.Load())

	// Strict comparisons: a probe landing exactly on the boundary does not
	// reset.
	if lastCheckIn.Add(threshold).Before(now) && deadline.Add(threshold).Before(now) {
		t.log.Warn("schedule stalled; forcing timer reset",
			logx.Time("last_check_in", lastCheckIn),
			logx.Time("deadline", deadline),
			logx.Duration("threshold", threshold))
		t.publish(eventbus.KindWatchdogReset, ResetInfo{
			LastCheckIn: lastCheckIn, Deadline: deadline, Threshold: threshold,
		})
		if err := t.resetTimer(); err != nil {
			t.log.Error("stall reset failed", logx.Err(err))
			return err
		}
		return nil
	}

	t.log.Debug("schedule healthy", logx.Time("next_due", deadline))
	return nil
}

func (t *Task) staleThreshold() time.Duration {
	th := secondsToDuration(2 * t.waiting)
	if th > maxStaleThreshold {
		th = maxStaleThreshold
	}
	return th
}
