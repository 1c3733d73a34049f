// Package runlog collects the structured log entries of one execution: the
// script's log/warn/err sinks plus the proxy's policy verdicts. Entries are
// buffered for the execution result and mirrored to slog so downstream
// auditors can reconstruct the decision trail from the log stream alone.
package runlog

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one buffered log record.
type Entry struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Buffer is a per-execution log sink.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	logger  *slog.Logger
	clock   func() time.Time
}

// NewBuffer creates a buffer mirroring to the given logger. A nil logger
// falls back to slog.Default().
func NewBuffer(logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (b *Buffer) WithClock(clock func() time.Time) *Buffer {
	b.clock = clock
	return b
}

// Infof appends an info-level entry.
func (b *Buffer) Infof(format string, args ...any) {
	b.append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf appends a warn-level entry.
func (b *Buffer) Warnf(format string, args ...any) {
	b.append(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf appends an error-level entry.
func (b *Buffer) Errorf(format string, args ...any) {
	b.append(LevelError, fmt.Sprintf(format, args...))
}

func (b *Buffer) append(level Level, msg string) {
	b.mu.Lock()
	b.entries = append(b.entries, Entry{Level: level, Message: msg, Time: b.clock()})
	b.mu.Unlock()

	switch level {
	case LevelWarn:
		b.logger.Warn(msg)
	case LevelError:
		b.logger.Error(msg)
	default:
		b.logger.Info(msg)
	}
}

// Entries returns the buffered records in append order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Contains reports whether any entry's message contains the substring.
// Convenience for tests and callers probing for a verdict.
func (b *Buffer) Contains(substr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
