package periodic

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tickguard/internal/eventbus"
	logx "tickguard/pkg/logx"
)

// Task drives one periodic operation. See the package comment for the
// locking discipline; in short: timerMu owns the alarm handle, iterMu owns
// iteration exclusivity, and the shared scalars (check-in, deadline, flags)
// are atomics so the probe can read them from any goroutine. Probe reads
// are heuristic by design and tolerate minor staleness.
type Task struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus // optional; nil disables event publishing
	op   Operation

	// waiting is the configured period in seconds, immutable during a run.
	waiting float64

	newAlarm AlarmFactory
	now      func() time.Time

	// timerMu serializes every alarm state transition (arm/disarm/replace),
	// including a reset racing in from the probe.
	timerMu sync.Mutex
	alarm   Alarm // nil when cleared

	// iterMu guarantees at most one iteration executes at any instant.
	iterMu sync.Mutex

	running   atomic.Bool
	disposed  atomic.Bool
	iterating atomic.Bool

	lastCheckIn  atomic.Int64 // unix nanos
	nextDeadline atomic.Int64 // unix nanos
}

// New constructs a task around the caller-supplied operation. A zero
// logger is replaced with a no-op one; bus may be nil.
func New(name string, cfg Config, op Operation, log logx.Logger, bus eventbus.Bus) *Task {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Task{
		name:     name,
		log:      log.With(logx.String("task", name)),
		bus:      bus,
		op:       op,
		waiting:  cfg.WaitingPeriodSeconds,
		newAlarm: NewTickerAlarm,
		now:      time.Now,
	}
	// Fallback teardown if the owner leaks the task without Dispose.
	// Best effort only: an armed alarm keeps the task reachable through its
	// firing callback, so this can fire only for tasks that never armed or
	// were already cleared.
	runtime.SetFinalizer(t, (*Task).fallbackDispose)
	return t
}

func (t *Task) Name() string  { return t.name }
func (t *Task) Running() bool { return t.running.Load() }

// Snapshot returns a point-in-time status view.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		Name:            t.name,
		Running:         t.running.Load(),
		Disposed:        t.disposed.Load(),
		IterationActive: t.iterating.Load(),
		LastCheckIn:     time.Unix(0, t.lastCheckIn.Load()),
		NextDeadline:    time.Unix(0, t.nextDeadline.Load()),
		WaitingPeriod:   secondsToDuration(t.waiting),
	}
}

// ---- Lifecycle ----

// Start computes the first deadline and arms the timer. A configured wait
// under one second is a deliberate "never run" setup, not an error: the
// task checks in, logs, and stays permanently idle.
func (t *Task) Start() error {
	if t.disposed.Load() {
		return ErrDisposed
	}
	t.checkIn()

	if t.waiting < 1 {
		t.log.Info("waiting period under one second; task stays idle",
			logx.Float64("waiting_s", t.waiting))
		return nil
	}
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := t.startTimer(t.configuredWait()); err != nil {
		// Startup failures re-raise: a failed start leaves the task in a
		// not-running state the caller must know about.
		t.running.Store(false)
		t.log.Error("start failed", logx.Err(err))
		return err
	}
	t.publish(eventbus.KindTaskStarted, nil)
	t.log.Info("task started", logx.Duration("every", t.configuredWait()))
	return nil
}

// Stop unconditionally clears the timer. It does not require the task to
// have been started and is safe to call repeatedly. An in-flight iteration
// keeps the iteration lock until it exits; its deferred resume then finds
// the task stopped and leaves the timer cleared.
func (t *Task) Stop() error {
	if t.disposed.Load() {
		return ErrDisposed
	}
	t.running.Store(false)
	t.clearTimer()
	t.publish(eventbus.KindTaskStopped, nil)
	t.log.Info("task stopped")
	return nil
}

// Dispose tears the task down permanently. Idempotent: only the first call
// produces the teardown sequence; all later public operations fail with
// ErrDisposed.
func (t *Task) Dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}
	t.running.Store(false)
	t.clearTimer()
	runtime.SetFinalizer(t, nil)
	t.log.Info("task disposed")
}

// fallbackDispose releases the alarm handle when explicit disposal never
// happened. No logging here: finalization ordering gives no guarantees
// about sink liveness.
func (t *Task) fallbackDispose() {
	t.disposed.Store(true)
	t.running.Store(false)
	t.timerMu.Lock()
	if t.alarm != nil {
		t.alarm.Dispose()
		t.alarm = nil
	}
	t.timerMu.Unlock()
}

// ---- Timer control ----

func (t *Task) startTimer(d time.Duration) error {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.disposed.Load() {
		return ErrDisposed
	}
	t.startTimerLocked(d)
	return nil
}

func (t *Task) startTimerLocked(d time.Duration) {
	// A Stop can slip in after the running flag flipped but before this arm
	// runs; its clear and this arm serialize on timerMu, so re-checking the
	// flag here keeps a stopped task from holding a live alarm.
	if !t.running.Load() {
		return
	}
	if t.alarm == nil {
		t.alarm = t.newAlarm(t.onAlarmFired)
	}
	t.alarm.Arm(d, true)
	t.nextDeadline.Store(t.now().Add(d).UnixNano())
	t.checkIn()
}

// pauseTimer disables firing without destroying the handle; used while an
// iteration runs.
func (t *Task) pauseTimer() error {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.disposed.Load() {
		return ErrDisposed
	}
	if t.alarm != nil {
		t.alarm.Disarm()
	}
	return nil
}

// resumeTimer rearms the existing handle with a fresh interval. It fails
// when the handle is gone (cleared by Stop, or disposed) rather than
// silently recreating one.
func (t *Task) resumeTimer(d time.Duration) error {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.disposed.Load() {
		return ErrDisposed
	}
	if t.alarm == nil {
		return errNotArmed
	}
	t.alarm.Arm(d, true)
	t.nextDeadline.Store(t.now().Add(d).UnixNano())
	t.checkIn()
	return nil
}

// resetTimer is the hard reset: clear, then start on the configured
// period. The probe uses it to resynchronize a stalled schedule.
func (t *Task) resetTimer() error {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.disposed.Load() {
		return ErrDisposed
	}
	t.clearTimerLocked()
	t.startTimerLocked(t.configuredWait())
	return nil
}

func (t *Task) clearTimer() {
	t.timerMu.Lock()
	t.clearTimerLocked()
	t.timerMu.Unlock()
}

// clearTimerLocked disables and releases the handle. Teardown failures are
// logged, never propagated: a timer that refuses to die must not block the
// rest of cleanup. Safe on an already-cleared timer.
func (t *Task) clearTimerLocked() {
	if t.alarm == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Warn("timer teardown failed", logx.Any("panic", r))
			}
		}()
		t.alarm.Disarm()
		t.alarm.Dispose()
	}()
	t.alarm = nil
}

// ---- Iteration execution ----

// onAlarmFired is the single entry point for the alarm callback.
//
// iterMu is the authoritative at-most-one guarantee. The timer is paused
// while the operation runs, so a second firing cannot normally arrive, but
// a probe-triggered reset can rearm the timer mid-iteration; that firing
// blocks here until the first completes.
func (t *Task) onAlarmFired() {
	t.iterMu.Lock()
	defer t.iterMu.Unlock()

	if t.disposed.Load() || !t.running.Load() {
		return
	}
	if err := t.pauseTimer(); err != nil {
		return // disposed concurrently
	}

	nextWait := t.waiting
	defer func() {
		// Guaranteed cleanup: the running flag clears and the timer resumes
		// in every outcome, including a panicking operation.
		t.iterating.Store(false)
		t.resumeAfterIteration(nextWait)
	}()

	started := t.now()
	t.iterating.Store(true)
	t.checkIn()

	res, err := t.invoke()

	t.iterating.Store(false)
	t.checkIn()
	dur := t.now().Sub(started)

	if err != nil {
		// Contained: the iteration counts as complete and the schedule
		// continues on its normal cadence.
		t.log.Warn("iteration failed", logx.Err(err), logx.Duration("took", dur))
		t.publish(eventbus.KindIterationFailed, IterationInfo{
			Started: started, Duration: dur, Error: err.Error(), NextWait: nextWait,
		})
		return
	}
	if res.NextWaitingPeriodSeconds > 1 {
		nextWait = res.NextWaitingPeriodSeconds
	}
	t.log.Debug("iteration completed", logx.Duration("took", dur), logx.Float64("next_wait_s", nextWait))
	t.publish(eventbus.KindIterationFinished, IterationInfo{
		Started: started, Duration: dur, NextWait: nextWait,
	})
}

// invoke runs the operation with panic containment: an escaping panic here
// would kill the alarm goroutine with no exception to catch.
func (t *Task) invoke() (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
			t.log.Error("operation panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.op()
}

// resumeAfterIteration rearms the timer for the next cycle, flooring the
// wait at one second. A resume failure on a still-running task falls back
// to a full reset.
func (t *Task) resumeAfterIteration(nextWait float64) {
	if nextWait < 1 {
		nextWait = 1
	}
	err := t.resumeTimer(secondsToDuration(nextWait))
	if err == nil {
		return
	}
	if !t.running.Load() {
		// Stopped or disposed during the iteration; the cleared timer stays
		// cleared.
		t.log.Debug("timer resume skipped", logx.Err(err))
		return
	}
	t.log.Warn("timer resume failed; forcing reset", logx.Err(err))
	if rerr := t.resetTimer(); rerr != nil {
		t.log.Error("timer reset failed", logx.Err(rerr))
	}
}

// ---- shared scalars ----

// checkIn records forward progress for the probe's staleness math.
func (t *Task) checkIn() {
	t.lastCheckIn.Store(t.now().UnixNano())
}

func (t *Task) configuredWait() time.Duration {
	return secondsToDuration(t.waiting)
}

func (t *Task) publish(kind string, data any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Kind: kind, Task: t.name, Data: data})
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
