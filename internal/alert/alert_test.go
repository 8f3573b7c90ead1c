package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"tickguard/internal/eventbus"
	"tickguard/internal/periodic"
	logx "tickguard/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()
	reset := formatEvent(eventbus.Event{
		Kind: eventbus.KindWatchdogReset,
		Task: "backup",
		Data: periodic.ResetInfo{Threshold: 10 * time.Second},
	})
	if !strings.Contains(reset, "backup") || !strings.Contains(reset, "force-reset") {
		t.Fatalf("unexpected reset alert: %q", reset)
	}

	fail := formatEvent(eventbus.Event{
		Kind: eventbus.KindIterationFailed,
		Task: "backup",
		Data: periodic.IterationInfo{Duration: time.Second, Error: "exit status 1"},
	})
	if !strings.Contains(fail, "exit status 1") {
		t.Fatalf("failure alert lost the error: %q", fail)
	}

	if got := formatEvent(eventbus.Event{Kind: eventbus.KindIterationFinished}); got != "" {
		t.Fatalf("routine events must not alert: %q", got)
	}
}

func TestNotifierSendsAndRateLimits(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	n := newWithSender(fs, Config{ChatID: 42, RatePerMinute: 2}, logx.Nop())

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		n.Run(ctx, ch)
		close(done)
	}()

	for range 5 {
		bus.Publish(eventbus.Event{Kind: eventbus.KindWatchdogReset, Task: "backup"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	unsub()
	<-done

	got := len(fs.messages())
	// Burst of 2 per minute: exactly the burst goes through.
	if got != 2 {
		t.Fatalf("sent %d alerts, want 2 (rate limited)", got)
	}
}
