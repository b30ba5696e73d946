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
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is a single audit record. Well-known identifiers are promoted to
// top-level fields so the log is grep-able; everything else rides in Details.
type LogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
}

// AuditLogger is an append-only JSONL log with size-based rotation. Every
// governance decision the gateway makes lands here.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Log records an event, lifting well-known identifiers out of details.
func (l *AuditLogger) Log(eventType string, details map[string]any) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}

	if workspaceID, ok := details["workspace_id"].(string); ok {
		entry.WorkspaceID = workspaceID
	}
	if toolName, ok := details["tool_name"].(string); ok {
		entry.ToolName = toolName
	}
	if executionID, ok := details["execution_id"].(string); ok {
		entry.ExecutionID = executionID
	}
	if clientID, ok := details["client_id"].(string); ok {
		entry.ClientID = clientID
	}

	return l.WriteEntry(&entry)
}

// WriteEntry appends a structured entry, rotating first when the file would
// exceed its size cap.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enableChecksum {
		entry.Checksum = l.calculateChecksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("open new log file: %w", err)
	}
	return nil
}

func (l *AuditLogger) calculateChecksum(entry *LogEntry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", simpleHash(data))
}

func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum turns on per-entry integrity checksums.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity re-reads a log file and reports (total, valid) entry
// counts. Entries without a checksum count as valid.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	totalEntries := 0
	validEntries := 0

	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			continue
		}
		totalEntries++

		if entry.Checksum == "" {
			validEntries++
			continue
		}
		expected := entry.Checksum
		entry.Checksum = ""
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if fmt.Sprintf("%x", simpleHash(data)) == expected {
			validEntries++
		}
	}

	return totalEntries, validEntries, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
