// Package history journals scheduler activity: iterations, contained
// failures, and watchdog resets. It is observability, not schedule state;
// the scheduler never reads it back to make timing decisions.
package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "tickguard/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Entry kinds mirror the eventbus kinds, flattened for storage.
const (
	KindIteration = "iteration"
	KindFailure   = "failure"
	KindReset     = "reset"
	KindStarted   = "started"
	KindStopped   = "stopped"
)

// Entry records one scheduler event. Keep it compact and schema-stable.
type Entry struct {
	At       time.Time
	Task     string
	Kind     string
	Duration time.Duration
	Error    string
}

// Store is the minimal journal API used by the daemon.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, task string, limit int) ([]Entry, error)
	Close() error
}

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // sqlite busy handler; 0 means default
	KeepDays    int           // prune horizon; 0 means keep everything
}

// Open initializes the configured store. A disabled config yields the
// in-memory store so callers never branch on nil.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.Path) == "" {
		return NewMemory(0), nil
	}
	return openSQLite(cfg, log)
}

// memoryStore is a bounded ring of recent entries, used when persistence
// is off and in tests.
type memoryStore struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

func NewMemory(capacity int) Store {
	if capacity <= 0 {
		capacity = 512
	}
	return &memoryStore{cap: capacity}
}

func (s *memoryStore) Append(_ context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Recent(_ context.Context, task string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if task != "" && s.entries[i].Task != task {
			continue
		}
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
