// Package testutil provides shared test doubles.
package testutil

import (
	"strings"
	"sync"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

// RecordingLogger implements logging.Logger and captures every entry, so
// tests can assert that a code path logged a degradation or a skip. Child
// loggers from With and Named share the parent's recording.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []logging.Field
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (r *RecordingLogger) record(level, msg string, fields []logging.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

func (r *RecordingLogger) Debug(msg string, fields ...logging.Field) { r.record("debug", msg, fields) }
func (r *RecordingLogger) Info(msg string, fields ...logging.Field)  { r.record("info", msg, fields) }
func (r *RecordingLogger) Warn(msg string, fields ...logging.Field)  { r.record("warn", msg, fields) }
func (r *RecordingLogger) Error(msg string, fields ...logging.Field) { r.record("error", msg, fields) }
func (r *RecordingLogger) Fatal(msg string, fields ...logging.Field) { r.record("fatal", msg, fields) }

func (r *RecordingLogger) With(fields ...logging.Field) logging.Logger { return r }
func (r *RecordingLogger) Named(name string) logging.Logger            { return r }
func (r *RecordingLogger) Sync() error                                 { return nil }

// Entries returns a copy of everything logged so far.
func (r *RecordingLogger) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Has reports whether an entry at the given level contains the substring.
func (r *RecordingLogger) Has(level, substring string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Level == level && strings.Contains(e.Message, substring) {
			return true
		}
	}
	return false
}
