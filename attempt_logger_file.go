package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileAttemptLogger is an implementation of AttemptLogger that logs to a
// file. A file is created per workflow instance. The file is formatted as
// newline-delimited JSON.
type FileAttemptLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileAttemptLogger(directory string) *FileAttemptLogger {
	return &FileAttemptLogger{directory: directory}
}

func (l *FileAttemptLogger) attemptLogPath(workflowID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", workflowID))
}

func (l *FileAttemptLogger) GetAttemptHistory(ctx context.Context, workflowID string) ([]*AttemptLogEntry, error) {
	data, err := os.ReadFile(l.attemptLogPath(workflowID))
	if err != nil {
		return nil, err
	}
	var entries []*AttemptLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry AttemptLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileAttemptLogger) LogAttempt(ctx context.Context, entry *AttemptLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.attemptLogPath(entry.WorkflowID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	// Attempts for concurrent stages of one instance land in one file.
	l.mutex.Lock()
	defer l.mutex.Unlock()

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
