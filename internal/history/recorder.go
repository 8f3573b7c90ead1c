package history

import (
	"context"

	"tickguard/internal/eventbus"
	"tickguard/internal/periodic"
	logx "tickguard/pkg/logx"
)

// Recorder drains scheduler events from the bus into the journal. It runs
// on a daemon goroutine; append failures are logged and dropped so the
// journal can never slow the scheduler down.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// Run consumes events until ctx is done or the subscription closes.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	entry := Entry{At: e.Time, Task: e.Task}
	switch e.Kind {
	case eventbus.KindIterationFinished:
		entry.Kind = KindIteration
	case eventbus.KindIterationFailed:
		entry.Kind = KindFailure
	case eventbus.KindWatchdogReset:
		entry.Kind = KindReset
	case eventbus.KindTaskStarted:
		entry.Kind = KindStarted
	case eventbus.KindTaskStopped:
		entry.Kind = KindStopped
	default:
		return
	}
	if info, ok := e.Data.(periodic.IterationInfo); ok {
		entry.Duration = info.Duration
		entry.Error = info.Error
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.log.Debug("journal append failed", logx.String("task", e.Task), logx.Err(err))
	}
}
