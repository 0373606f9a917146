package testutil

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

// LogRecorder collects JSON log records written through the default logger.
type LogRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *LogRecorder) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Records decodes every line written so far.
func (l *LogRecorder) Records(t *testing.T) []map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(l.buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("Failed to decode log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

// Find returns the first record with msg, or nil.
func (l *LogRecorder) Find(t *testing.T, msg string) map[string]any {
	t.Helper()
	for _, rec := range l.Records(t) {
		if rec[slog.MessageKey] == msg {
			return rec
		}
	}
	return nil
}

// CaptureLogs swaps the default logger for a JSON one until the test ends.
func CaptureLogs(t *testing.T) *LogRecorder {
	t.Helper()
	rec := &LogRecorder{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(rec, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return rec
}
