// Package alert pushes operational notifications (watchdog resets,
// iteration failures) to a Telegram chat. Alerts are best-effort: rate
// limited, dropped when over budget, never blocking the scheduler.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tickguard/internal/eventbus"
	"tickguard/internal/periodic"
	logx "tickguard/pkg/logx"
)

type Config struct {
	Enabled       bool
	Token         string
	ChatID        int64
	RatePerMinute int
}

// sender is the narrow slice of telebot the notifier uses; swapped out in
// tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Notifier struct {
	bot     sender
	chat    tele.ChatID
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a send-only Telegram notifier. No poller is attached: the
// daemon has no inbound chat surface.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat_id is not set")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return newWithSender(b, cfg, log), nil
}

func newWithSender(b sender, cfg Config, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	rpm := cfg.RatePerMinute
	if rpm <= 0 {
		rpm = 6
	}
	return &Notifier{
		bot:     b,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
		log:     log,
	}
}

// Run consumes scheduler events until ctx is done or the subscription
// closes.
func (n *Notifier) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n.notify(e)
		}
	}
}

func (n *Notifier) notify(e eventbus.Event) {
	msg := formatEvent(e)
	if msg == "" {
		return
	}
	if !n.limiter.Allow() {
		n.log.Debug("alert dropped by rate limit", logx.String("task", e.Task), logx.String("kind", e.Kind))
		return
	}
	if _, err := n.bot.Send(n.chat, msg); err != nil {
		n.log.Warn("alert send failed", logx.String("task", e.Task), logx.Err(err))
	}
}

// formatEvent renders the alert text; empty means "not alert-worthy".
func formatEvent(e eventbus.Event) string {
	switch e.Kind {
	case eventbus.KindWatchdogReset:
		var b strings.Builder
		fmt.Fprintf(&b, "[WATCHDOG] task %q stalled; timer was force-reset", e.Task)
		if info, ok := e.Data.(periodic.ResetInfo); ok {
			fmt.Fprintf(&b, "\n- last check-in: %s", info.LastCheckIn.Format(time.RFC3339))
			fmt.Fprintf(&b, "\n- missed deadline: %s", info.Deadline.Format(time.RFC3339))
			fmt.Fprintf(&b, "\n- threshold: %s", info.Threshold)
		}
		return b.String()
	case eventbus.KindIterationFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "[FAIL] task %q iteration failed", e.Task)
		if info, ok := e.Data.(periodic.IterationInfo); ok {
			fmt.Fprintf(&b, " after %s", info.Duration.Round(time.Millisecond))
			if info.Error != "" {
				fmt.Fprintf(&b, "\n- err: %s", truncate(info.Error, 600))
			}
		}
		return b.String()
	default:
		return ""
	}
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN-3] + "..."
}
