package periodic

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickguard/internal/eventbus"
	logx "tickguard/pkg/logx"
)

// fakeAlarm records arm/disarm/dispose calls and lets tests drive firings
// by hand.
type fakeAlarm struct {
	mu       sync.Mutex
	fire     func()
	armed    bool
	arms     []time.Duration
	disarms  int
	disposes int
}

func (a *fakeAlarm) Arm(interval time.Duration, repeat bool) {
	a.mu.Lock()
	a.armed = true
	a.arms = append(a.arms, interval)
	a.mu.Unlock()
}

func (a *fakeAlarm) Disarm() {
	a.mu.Lock()
	a.armed = false
	a.disarms++
	a.mu.Unlock()
}

func (a *fakeAlarm) Dispose() {
	a.mu.Lock()
	a.armed = false
	a.disposes++
	a.mu.Unlock()
}

func (a *fakeAlarm) lastArm() (time.Duration, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.arms) == 0 {
		return 0, 0
	}
	return a.arms[len(a.arms)-1], len(a.arms)
}

type fakeFactory struct {
	mu     sync.Mutex
	alarms []*fakeAlarm
}

func (f *fakeFactory) factory(fire func()) Alarm {
	a := &fakeAlarm{fire: fire}
	f.mu.Lock()
	f.alarms = append(f.alarms, a)
	f.mu.Unlock()
	return a
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alarms)
}

func (f *fakeFactory) last() *fakeAlarm {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.alarms) == 0 {
		return nil
	}
	return f.alarms[len(f.alarms)-1]
}

func newTestTask(w float64, op Operation, bus eventbus.Bus) (*Task, *fakeFactory) {
	f := &fakeFactory{}
	tk := New("demo", Config{WaitingPeriodSeconds: w}, op, logx.Nop(), bus)
	tk.newAlarm = f.factory
	return tk, f
}

func noopOp() (Result, error) { return Result{}, nil }

func TestStartNeverRunConfig(t *testing.T) {
	t.Parallel()
	for _, w := range []float64{0, 0.5, 0.999, -1} {
		tk, f := newTestTask(w, noopOp, nil)
		if err := tk.Start(); err != nil {
			t.Fatalf("Start(w=%v) error: %v", w, err)
		}
		if tk.Running() {
			t.Fatalf("Start(w=%v): task should stay idle", w)
		}
		if f.count() != 0 {
			t.Fatalf("Start(w=%v): alarm was created", w)
		}
	}
}

func TestStartArmsAndSetsDeadline(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	now := time.Unix(1700000000, 0)
	tk.now = func() time.Time { return now }

	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !tk.Running() {
		t.Fatal("expected Running after Start")
	}
	iv, n := f.last().lastArm()
	if n != 1 || iv != 5*time.Second {
		t.Fatalf("arm = %v (count %d), want 5s once", iv, n)
	}
	snap := tk.Snapshot()
	if want := now.Add(5 * time.Second); !snap.NextDeadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", snap.NextDeadline, want)
	}
	if !snap.LastCheckIn.Equal(now) {
		t.Fatalf("check-in = %v, want %v", snap.LastCheckIn, now)
	}
	// Second Start is a no-op on a running task.
	if err := tk.Start(); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("second Start created a new alarm")
	}
}

func TestResultOverridesNextInterval(t *testing.T) {
	t.Parallel()
	overrides := []float64{45, 0} // second iteration falls back to default
	var calls int
	op := func() (Result, error) {
		calls++
		return Result{NextWaitingPeriodSeconds: overrides[calls-1]}, nil
	}
	tk, f := newTestTask(5, op, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	tk.onAlarmFired()
	if iv, _ := f.last().lastArm(); iv != 45*time.Second {
		t.Fatalf("after override: interval = %v, want 45s", iv)
	}
	tk.onAlarmFired()
	if iv, _ := f.last().lastArm(); iv != 5*time.Second {
		t.Fatalf("after default result: interval = %v, want 5s", iv)
	}
	if calls != 2 {
		t.Fatalf("operation ran %d times, want 2", calls)
	}
}

func TestOperationErrorContained(t *testing.T) {
	t.Parallel()
	op := func() (Result, error) { return Result{}, errors.New("boom") }
	tk, f := newTestTask(5, op, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	tk.onAlarmFired() // must not panic or propagate

	if iv, _ := f.last().lastArm(); iv != 5*time.Second {
		t.Fatalf("schedule did not resume on normal cadence: %v", iv)
	}
	if tk.Snapshot().IterationActive {
		t.Fatal("iteration flag stuck after failure")
	}
}

func TestOperationPanicContained(t *testing.T) {
	t.Parallel()
	op := func() (Result, error) { panic("kaboom") }
	tk, f := newTestTask(5, op, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	tk.onAlarmFired()

	if iv, _ := f.last().lastArm(); iv != 5*time.Second {
		t.Fatalf("schedule did not resume after panic: %v", iv)
	}
	if tk.Snapshot().IterationActive {
		t.Fatal("iteration flag stuck after panic")
	}
}

func TestAtMostOneIteration(t *testing.T) {
	t.Parallel()
	var active, peak, runs int32
	op := func() (Result, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&runs, 1)
		return Result{}, nil
	}
	tk, _ := newTestTask(5, op, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Force rapid overlapping firings, as if a racing reset rearmed the
	// timer mid-iteration.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk.onAlarmFired()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Fatalf("peak concurrent iterations = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&runs); got != 4 {
		t.Fatalf("iterations = %d, want 4 (serialized, none lost)", got)
	}
}

func TestProbeDuringIterationTakesNoAction(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	op := func() (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	}
	tk, f := newTestTask(5, op, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tk.onAlarmFired()
		close(done)
	}()
	<-started

	// Even a wildly stale clock must not reset while the iteration runs.
	tk.lastCheckIn.Store(time.Now().Add(-time.Hour).UnixNano())
	tk.nextDeadline.Store(time.Now().Add(-time.Hour).UnixNano())
	if err := tk.Probe(); err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if alarms := f.count(); alarms != 1 {
		t.Fatalf("probe rebuilt the timer mid-iteration (%d alarms)", alarms)
	}

	close(release)
	<-done
}

func TestProbeResetsStalledSchedule(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	t0 := time.Unix(1700000000, 0)
	now := t0
	tk.now = func() time.Time { return now }
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Frozen alarm: 40s elapse with no firing and no check-in.
	old := f.last()
	now = t0.Add(40 * time.Second)
	if err := tk.Probe(); err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if old.disposes == 0 {
		t.Fatal("hard reset should tear down the old handle")
	}
	if f.count() != 2 {
		t.Fatalf("hard reset should build a fresh handle, got %d", f.count())
	}
	iv, _ := f.last().lastArm()
	if iv != 5*time.Second {
		t.Fatalf("reset interval = %v, want 5s", iv)
	}
	if want := now.Add(5 * time.Second); !tk.Snapshot().NextDeadline.Equal(want) {
		t.Fatalf("deadline = %v, want fresh now+5s (%v)", tk.Snapshot().NextDeadline, want)
	}
}

func TestProbeThresholdBoundaryDoesNotReset(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	t0 := time.Unix(1700000000, 0)
	now := t0
	tk.now = func() time.Time { return now }
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	// threshold = min(30, 2*5) = 10s; deadline = t0+5s. Exactly at the
	// boundary (deadline+threshold == now) the strict comparison holds off.
	now = t0.Add(15 * time.Second)
	if err := tk.Probe(); err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if _, n := f.last().lastArm(); n != 1 {
		t.Fatalf("probe reset exactly at threshold boundary (%d arms)", n)
	}
}

func TestProbeRequiresBothConditions(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	t0 := time.Unix(1700000000, 0)
	now := t0
	tk.now = func() time.Time { return now }
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Check-in ancient, deadline still ahead: no reset.
	tk.lastCheckIn.Store(t0.Add(-time.Hour).UnixNano())
	if err := tk.Probe(); err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if _, n := f.last().lastArm(); n != 1 {
		t.Fatal("probe reset on stale check-in alone")
	}
}

func TestProbeThresholdCap(t *testing.T) {
	t.Parallel()
	tk, _ := newTestTask(120, noopOp, nil)
	if got := tk.staleThreshold(); got != 30*time.Second {
		t.Fatalf("threshold = %v, want capped 30s", got)
	}
	tk2, _ := newTestTask(4, noopOp, nil)
	if got := tk2.staleThreshold(); got != 8*time.Second {
		t.Fatalf("threshold = %v, want 8s", got)
	}
}

func TestTwoNaturalFirings(t *testing.T) {
	t.Parallel()
	var calls int
	tk, f := newTestTask(2, func() (Result, error) { calls++; return Result{}, nil }, nil)
	t0 := time.Unix(1700000000, 0)
	now := t0
	tk.now = func() time.Time { return now }
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if want := t0.Add(2 * time.Second); !tk.Snapshot().NextDeadline.Equal(want) {
		t.Fatalf("deadline after start = %v, want %v", tk.Snapshot().NextDeadline, want)
	}

	now = t0.Add(2 * time.Second)
	tk.onAlarmFired()
	if want := t0.Add(4 * time.Second); !tk.Snapshot().NextDeadline.Equal(want) {
		t.Fatalf("deadline after first firing = %v, want %v", tk.Snapshot().NextDeadline, want)
	}

	now = t0.Add(4 * time.Second)
	tk.onAlarmFired()
	if want := t0.Add(6 * time.Second); !tk.Snapshot().NextDeadline.Equal(want) {
		t.Fatalf("deadline after second firing = %v, want %v", tk.Snapshot().NextDeadline, want)
	}
	if calls != 2 {
		t.Fatalf("operation ran %d times, want exactly 2", calls)
	}
	if f.count() != 1 {
		t.Fatalf("natural firings should reuse one handle, got %d", f.count())
	}
}

func TestStopDuringIterationLeavesTimerCleared(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	tk, f := newTestTask(5, func() (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	}, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tk.onAlarmFired()
		close(done)
	}()
	<-started

	if err := tk.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	close(release)
	<-done

	if f.last().disposes != 1 {
		t.Fatalf("handle disposes = %d, want 1", f.last().disposes)
	}
	if f.count() != 1 {
		t.Fatal("resume after Stop must not rebuild the timer")
	}
	if tk.Running() {
		t.Fatal("task still running after Stop")
	}
}

func TestStopRacingStartLeavesNoAlarm(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)

	// The losing side of a Start/Stop race: the running flag is false again
	// by the time the arm reaches the timer lock. No alarm may survive.
	if err := tk.startTimer(tk.configuredWait()); err != nil {
		t.Fatalf("startTimer error: %v", err)
	}
	if f.count() != 0 {
		t.Fatalf("stopped task armed an alarm (%d handles)", f.count())
	}

	tk.running.Store(true)
	if err := tk.startTimer(tk.configuredWait()); err != nil {
		t.Fatalf("startTimer error: %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("running task should arm one handle, got %d", f.count())
	}
}

func TestResumeFailureFallsBackToReset(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Simulate a lost handle while the task is still marked running.
	tk.clearTimer()
	tk.onAlarmFired()

	if f.count() != 2 {
		t.Fatalf("expected reset to build a fresh handle, got %d", f.count())
	}
	if iv, _ := f.last().lastArm(); iv != 5*time.Second {
		t.Fatalf("reset interval = %v, want configured 5s", iv)
	}
	if !tk.Running() {
		t.Fatal("task should stay running through the fallback reset")
	}
}

func TestStopIsRepeatSafeAndPreStart(t *testing.T) {
	t.Parallel()
	tk, _ := newTestTask(5, noopOp, nil)
	// Stop before Start.
	if err := tk.Stop(); err != nil {
		t.Fatalf("Stop before Start error: %v", err)
	}
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := tk.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := tk.Stop(); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}

func TestDisposeIdempotent(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	tk.Dispose()
	tk.Dispose()

	if got := f.last().disposes; got != 1 {
		t.Fatalf("handle disposed %d times, want exactly 1", got)
	}
}

func TestOperationsFailAfterDispose(t *testing.T) {
	t.Parallel()
	tk, f := newTestTask(5, noopOp, nil)
	tk.Dispose()

	if err := tk.Start(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Start after Dispose = %v, want ErrDisposed", err)
	}
	if err := tk.Stop(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Stop after Dispose = %v, want ErrDisposed", err)
	}
	if err := tk.Probe(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Probe after Dispose = %v, want ErrDisposed", err)
	}
	if f.count() != 0 {
		t.Fatal("disposed task armed a timer")
	}
}

func TestSimpleAdapterUsesDefaultWait(t *testing.T) {
	t.Parallel()
	var ran bool
	op := Simple(func() error { ran = true; return nil })
	res, err := op()
	if err != nil {
		t.Fatalf("Simple op error: %v", err)
	}
	if !ran {
		t.Fatal("wrapped function did not run")
	}
	if res.NextWaitingPeriodSeconds != 0 {
		t.Fatalf("Simple must report default wait, got %v", res.NextWaitingPeriodSeconds)
	}
}

func TestIterationEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	fail := errors.New("bad run")
	var calls int
	op := func() (Result, error) {
		calls++
		if calls == 2 {
			return Result{}, fail
		}
		return Result{NextWaitingPeriodSeconds: 7}, nil
	}
	tk, _ := newTestTask(5, op, bus)
	if err := tk.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	tk.onAlarmFired()
	tk.onAlarmFired()

	kinds := map[string]int{}
	for range 3 { // started + finished + failed
		select {
		case e := <-ch:
			kinds[e.Kind]++
			if e.Task != "demo" {
				t.Fatalf("event task = %q, want demo", e.Task)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if kinds[eventbus.KindTaskStarted] != 1 {
		t.Fatalf("task.started events = %d, want 1", kinds[eventbus.KindTaskStarted])
	}
	if kinds[eventbus.KindIterationFinished] != 1 {
		t.Fatalf("iteration.finished events = %d, want 1", kinds[eventbus.KindIterationFinished])
	}
	if kinds[eventbus.KindIterationFailed] != 1 {
		t.Fatalf("iteration.failed events = %d, want 1", kinds[eventbus.KindIterationFailed])
	}
}
