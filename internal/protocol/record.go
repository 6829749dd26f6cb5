package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level classifies a LogRecord for display filtering.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// ParseRecordLevel normalizes a level string, defaulting to info.
func ParseRecordLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "err":
		return LevelError
	case "success", "ok":
		return LevelSuccess
	default:
		return LevelInfo
	}
}

// LogRecord is a single telemetry log line. Immutable once created.
type LogRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewLogRecord creates a record with a fresh ID and the current time.
func NewLogRecord(level Level, source, message string) LogRecord {
	return LogRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
	}
}

// RecordFromEnvelope converts a log-stream envelope into a LogRecord.
// Missing fields fall back to envelope metadata.
func RecordFromEnvelope(env Envelope) LogRecord {
	var body struct {
		Level   string         `json:"level"`
		Source  string         `json:"source"`
		Message string         `json:"message"`
		Meta    map[string]any `json:"metadata"`
	}
	// Malformed bodies still produce a usable record.
	_ = env.DecodePayload(&body)

	source := body.Source
	if source == "" {
		source = env.Source
	}

	return LogRecord{
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Level:     ParseRecordLevel(body.Level),
		Source:    source,
		Message:   body.Message,
		Metadata:  body.Meta,
	}
}
