package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps the active audit file at 100MB before rotation.
	DefaultMaxLogSize = 100 * 1024 * 1024

	logFileExtension = ".jsonl"
	archiveDir       = "archive"
)

// LogEntry is one audit record, serialized as a JSONL line.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventID   string                 `json:"event_id,omitempty"`
	EventType string                 `json:"event_type"`
	JobID     string                 `json:"job_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends lifecycle events to a JSONL file, rotating into an
// archive directory when the file exceeds maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
}

// NewAuditLogger opens (or creates) the audit log at logPath.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record converts a bus event to a log entry and appends it. Known ID fields
// in the event data are lifted into first-class columns.
func (l *AuditLogger) Record(event Event) error {
	entry := LogEntry{
		Timestamp: event.Timestamp,
		EventID:   event.ID,
		EventType: string(event.Type),
		Details:   event.Data,
	}
	if jobID, ok := event.Data["job_id"].(string); ok {
		entry.JobID = jobID
	}
	if taskID, ok := event.Data["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if agentID, ok := event.Data["agent_id"].(string); ok {
		entry.AgentID = agentID
	}
	return l.WriteEntry(&entry)
}

// WriteEntry appends one entry, rotating first if it would push the file past
// maxSize.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// rotate moves the active file into the archive directory and reopens.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := filepath.Base(l.logPath)
	name := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(logFileExtension)],
		time.Now().Format("20060102_150405"),
		l.rotationCounter,
		logFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.openLogFile()
}

// Close syncs and closes the active file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// CurrentSize returns the size of the active audit file.
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
