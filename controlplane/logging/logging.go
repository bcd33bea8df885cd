// Package logging provides the structured logger used across every control-plane
// component.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Logger is implemented by every logging backend the control plane uses.
// The signature matches the bracketed-level convention used throughout this
// repo's components.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// zapLogger adapts *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production zap logger wrapped as a Logger.
func New() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

// NewDevelopment builds a development zap logger (console-friendly, debug level).
func NewDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("build zap development logger: %w", err)
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

// noopLogger discards everything. Useful as a default when no logger is supplied.
type noopLogger struct{}

// NewNoop returns a Logger that discards all output.
func NewNoop() Logger { return &noopLogger{} }

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// entry is one captured log line, recorded by a RecordingLogger.
type entry struct {
	Level   string
	Message string
	Fields  []any
}

// RecordingLogger captures every call for assertions in tests.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []entry
}

// NewRecording returns a Logger that records every call for later inspection.
func NewRecording() *RecordingLogger { return &RecordingLogger{} }

func (r *RecordingLogger) record(level, msg string, kv []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{Level: level, Message: msg, Fields: kv})
}

func (r *RecordingLogger) Debug(msg string, kv ...any) { r.record("debug", msg, kv) }
func (r *RecordingLogger) Info(msg string, kv ...any)  { r.record("info", msg, kv) }
func (r *RecordingLogger) Warn(msg string, kv ...any)  { r.record("warn", msg, kv) }
func (r *RecordingLogger) Error(msg string, kv ...any) { r.record("error", msg, kv) }

// Count returns how many entries were recorded at the given level ("" for all levels).
func (r *RecordingLogger) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level == "" {
		return len(r.entries)
	}
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Messages returns every recorded message at the given level ("" for all levels).
func (r *RecordingLogger) Messages(level string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if level == "" || e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}
