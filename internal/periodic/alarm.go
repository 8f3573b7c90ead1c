package periodic

import (
	"sync"
	"time"
)

// Alarm is the minimal capability set over the platform's recurring timer,
// so any ticker/timer facility can back the scheduler. Implementations must
// tolerate Disarm on an alarm that was never armed, and must drop all
// firing after Dispose.
type Alarm interface {
	// Arm (re)starts the alarm to fire every interval. An already-armed
	// alarm is restarted with the new interval. When repeat is false the
	// alarm fires once and disarms itself.
	Arm(interval time.Duration, repeat bool)
	// Disarm disables firing without destroying the handle.
	Disarm()
	// Dispose disarms and permanently retires the handle.
	Dispose()
}

// AlarmFactory builds an Alarm whose firings invoke fire. Tasks take a
// factory so tests can substitute a hand-driven alarm.
type AlarmFactory func(fire func()) Alarm

// NewTickerAlarm returns the production Alarm, backed by a time.Ticker
// driven from its own goroutine. Each firing runs fire on that goroutine,
// mirroring a platform timer-callback thread.
func NewTickerAlarm(fire func()) Alarm {
	return &tickerAlarm{fire: fire}
}

type tickerAlarm struct {
	mu       sync.Mutex
	fire     func()
	stop     chan struct{} // non-nil while armed
	disposed bool
}

func (a *tickerAlarm) Arm(interval time.Duration, repeat bool) {
	if interval <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	a.disarmLocked()
	stop := make(chan struct{})
	a.stop = stop
	go a.run(interval, repeat, stop)
}

func (a *tickerAlarm) run(interval time.Duration, repeat bool, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			a.fire()
			if !repeat {
				return
			}
		}
	}
}

func (a *tickerAlarm) Disarm() {
	a.mu.Lock()
	a.disarmLocked()
	a.mu.Unlock()
}

func (a *tickerAlarm) disarmLocked() {
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
}

func (a *tickerAlarm) Dispose() {
	a.mu.Lock()
	a.disarmLocked()
	a.disposed = true
	a.mu.Unlock()
}
