package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Info("sql", map[string]any{"model": "Order"})
	l.Debug("hidden", nil)
	l.SetDebug(true)
	l.Debug("shown", nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "sql" || lines[0]["level"] != "info" || lines[0]["model"] != "Order" {
		t.Fatalf("unexpected entry: %v", lines[0])
	}
	if lines[1]["msg"] != "shown" {
		t.Fatalf("unexpected entry: %v", lines[1])
	}
}

func TestLoggerWithSharesOutputAndAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	child := l.WithRequestID().With(map[string]any{"principal": "alexis"})
	child.Warn("privilege_denied", map[string]any{"mask": 4})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["principal"] != "alexis" || lines[0]["request_id"] == nil || lines[0]["mask"] != float64(4) {
		t.Fatalf("unexpected entry: %v", lines[0])
	}
}
