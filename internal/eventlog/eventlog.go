// Package eventlog keeps the operator-facing system log: a bounded,
// newest-first list of timestamped entries shared by every component of a
// session. Each entry is also mirrored to slog.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/automic/pkg/types"
)

// Capacity is the maximum number of entries retained.
const Capacity = 100

// Listener is called once per appended entry, outside the log's lock.
type Listener func(types.LogEntry)

// Log is safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	entries   []types.LogEntry // newest first
	listeners map[int]Listener
	nextID    int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty log. A nil logger disables mirroring.
func New(logger *slog.Logger) *Log {
	return &Log{
		entries:   make([]types.LogEntry, 0, Capacity),
		listeners: make(map[int]Listener),
		logger:    logger,
		now:       time.Now,
	}
}

// Info appends an info entry.
func (l *Log) Info(msg string) types.LogEntry { return l.Append(msg, types.LevelInfo) }

// Warn appends a warning entry.
func (l *Log) Warn(msg string) types.LogEntry { return l.Append(msg, types.LevelWarning) }

// Error appends an error entry.
func (l *Log) Error(msg string) types.LogEntry { return l.Append(msg, types.LevelError) }

// Append timestamps msg, prepends it and evicts the oldest entries beyond
// Capacity. An empty level is stored as info.
func (l *Log) Append(msg string, level types.LogLevel) types.LogEntry {
	if level == "" {
		level = types.LevelInfo
	}
	entry := types.LogEntry{Time: l.now(), Message: msg, Level: level}

	l.mu.Lock()
	n := len(l.entries)
	if n >= Capacity {
		n = Capacity - 1
	}
	next := make([]types.LogEntry, n+1, Capacity)
	next[0] = entry
	copy(next[1:], l.entries[:n])
	l.entries = next

	listeners := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	l.mirror(entry)
	for _, fn := range listeners {
		fn(entry)
	}
	return entry
}

func (l *Log) mirror(e types.LogEntry) {
	if l.logger == nil {
		return
	}
	lvl := slog.LevelInfo
	switch e.Level {
	case types.LevelWarning:
		lvl = slog.LevelWarn
	case types.LevelError:
		lvl = slog.LevelError
	}
	l.logger.Log(context.Background(), lvl, e.Message, "source", "operator_log")
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Entries(limit int) []types.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.LogEntry, n)
	copy(out, l.entries[:n])
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe registers fn for every future entry and returns a function
// that removes it.
func (l *Log) Subscribe(fn Listener) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}
