// Package audit appends daemon decisions (admission pauses, resumes,
// cleanup outcomes) to a JSONL trail under the home directory.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	TaskID    string `json:"task_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens the audit trail at <homeDir>/logs/audit.jsonl. Calling Init
// again while open is a no-op.
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

// Close flushes and closes the trail. Idempotent.
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

// Record appends one decision. A closed or uninitialized trail drops the
// entry silently; auditing must never become a failure source.
func Record(action, taskID, detail string) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		TaskID:    taskID,
		Detail:    detail,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(data, '\n'))
}
