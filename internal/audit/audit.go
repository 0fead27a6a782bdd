// Package audit is an independent JSONL sink for every state-changing
// decision the Task Manager and Question Handler make (admit, queue,
// transition, cancel, timeout). It exists so these records survive even if
// slog-level filtering would have dropped the equivalent Info line.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/chaperone/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	TaskID    string `json:"task_id,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	deniedOrFailed atomic.Int64
)

// Init opens the audit sink at homeDir/logs/audit.jsonl, creating the
// directory if needed. Calling Init again while already open is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectedCount returns the number of cancel/timeout/failed decisions
// recorded since startup.
func RejectedCount() int64 {
	return deniedOrFailed.Load()
}

// Record appends one audit entry. decision is a short outcome label
// ("admitted", "queued", "transitioned", "cancelled", "timed_out"); action
// names the operation that produced it ("task.submit", "task.cancel",
// "hitl.wait"); taskID identifies the task the decision concerns, empty for
// process-level events.
func Record(decision, action, reason, taskID string) {
	switch decision {
	case "cancelled", "timed_out", "failed":
		deniedOrFailed.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    reason,
		TaskID:    taskID,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}

// Purge rewrites homeDir/logs/audit.jsonl keeping only entries newer than
// cutoff, returning the number of entries dropped. It locks out concurrent
// Record calls for the duration of the rewrite.
func Purge(homeDir string, cutoff time.Time) (int, error) {
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(homeDir, "logs", "audit.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("audit: purge: open: %w", err)
	}

	var kept []string
	dropped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			kept = append(kept, line)
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil || ts.After(cutoff) {
			kept = append(kept, line)
			continue
		}
		dropped++
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("audit: purge: scan: %w", err)
	}
	if dropped == 0 {
		return 0, nil
	}

	reopenNeeded := file != nil
	if reopenNeeded {
		_ = file.Close()
		file = nil
	}

	body := strings.Join(kept, "\n")
	if len(kept) > 0 {
		body += "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return 0, fmt.Errorf("audit: purge: rewrite: %w", err)
	}

	if reopenNeeded {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return dropped, fmt.Errorf("audit: purge: reopen: %w", err)
		}
		file = f
	}
	return dropped, nil
}
