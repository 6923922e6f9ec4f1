package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// Formatted returns the message with its arguments applied.
func (e TestLogEntry) Formatted() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testRecorder struct {
	mu   sync.Mutex
	logs []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived through With,
// WithPrefix or Stack share the same recording, and it is safe for
// concurrent use.
type TestLogger struct {
	metadata map[string]interface{}
	recorder *testRecorder
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) derive(metadata map[string]interface{}, child Logger) *TestLogger {
	return &TestLogger{metadata: metadata, recorder: c.recorder, child: child}
}

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return c.derive(kv, child)
}

func (c *TestLogger) Log(level string, msg string, args ...interface{}) {
	c.recorder.mu.Lock()
	c.recorder.logs = append(c.recorder.logs, TestLogEntry{level, msg, args, c.metadata})
	c.recorder.mu.Unlock()
}

// Logs returns a copy of everything recorded so far.
func (c *TestLogger) Logs() []TestLogEntry {
	c.recorder.mu.Lock()
	defer c.recorder.mu.Unlock()
	out := make([]TestLogEntry, len(c.recorder.logs))
	copy(out, c.recorder.logs)
	return out
}

// Contains reports whether an entry with severity has a formatted message containing substr.
func (c *TestLogger) Contains(severity string, substr string) bool {
	for _, entry := range c.Logs() {
		if entry.Severity == severity && strings.Contains(entry.Formatted(), substr) {
			return true
		}
	}
	return false
}

// Count returns the number of entries recorded at severity.
func (c *TestLogger) Count(severity string) int {
	var n int
	for _, entry := range c.Logs() {
		if entry.Severity == severity {
			n++
		}
	}
	return n
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.Log("TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.Log("DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.Log("INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.Log("WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.Log("ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

// Fatal records the entry but does not exit, so tests can assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.Log("FATAL", msg, args...)
}

func (c *TestLogger) Stack(next Logger) Logger {
	return c.derive(c.metadata, next)
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{recorder: &testRecorder{}}
}
