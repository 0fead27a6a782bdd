package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("cancelled", "task.cancel", "user requested cancel", "task-1")
	Record("admitted", "task.submit", "slot available", "task-2")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "cancelled" {
		t.Fatalf("expected cancelled decision, got %#v", first["decision"])
	}
	if first["action"] != "task.cancel" {
		t.Fatalf("expected action task.cancel, got %#v", first["action"])
	}
	if first["task_id"] != "task-1" {
		t.Fatalf("expected task_id task-1, got %#v", first["task_id"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("admitted", "task.submit", "slot available", "task-1")
	Record("queued", "task.submit", "at capacity", "task-2")

	path := filepath.Join(home, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record("transitioned", "task.complete", "queued task started", "task-2")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	size2 := info2.Size()
	if size2 <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, size2)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["decision"]; !ok {
			t.Fatalf("line %d missing decision", i)
		}
	}
}

func TestRejectedCountTracksCancelledAndTimedOut(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := RejectedCount()
	Record("admitted", "task.submit", "slot available", "task-1")
	Record("cancelled", "task.cancel", "user requested", "task-1")
	Record("timed_out", "hitl.wait", "no answer within timeout", "task-2")

	if got := RejectedCount() - before; got != 2 {
		t.Fatalf("RejectedCount() delta = %d, want 2", got)
	}
}

func TestRecordBeforeInitIsNoop(t *testing.T) {
	mu.Lock()
	file = nil
	mu.Unlock()

	Record("admitted", "task.submit", "slot available", "task-1")
}
