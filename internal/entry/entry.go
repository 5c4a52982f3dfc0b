// Package entry defines the immutable log record shipped to Loki.
package entry

import (
	"strings"
	"time"
)

// Level represents log severity as carried in the "level" stream label.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a level string to a known Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal", "critical":
		return LevelError
	default:
		return LevelInfo
	}
}

// Field is a single ordered metadata key-value pair.
type Field struct {
	Key   string
	Value string
}

// Entry is a single log record. It is immutable once created: the buffer
// owns it until drained into a batch, then the batch owns it until the
// batch is acknowledged or dropped.
type Entry struct {
	// Timestamp is the record creation time (nanosecond precision on the wire).
	Timestamp time.Time
	// Level is the severity, duplicated into Labels under "level".
	Level Level
	// Message is the raw log line before metadata rendering.
	Message string
	// Labels is the fixed low-cardinality stream label set (app, env, level,
	// plus configured extras).
	Labels map[string]string
	// Metadata is free-form ordered key-value context; the caller is
	// responsible for keeping it bounded.
	Metadata []Field
}

// New creates an Entry stamped with the current time.
func New(level Level, message string, labels map[string]string, metadata []Field) Entry {
	return Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Labels:    labels,
		Metadata:  metadata,
	}
}

// Line renders the wire line: the message alone, or "message | k=v k=v"
// when metadata is present.
func (e Entry) Line() string {
	if len(e.Metadata) == 0 {
		return e.Message
	}
	var sb strings.Builder
	sb.Grow(len(e.Message) + 3 + 16*len(e.Metadata))
	sb.WriteString(e.Message)
	sb.WriteString(" | ")
	for i, f := range e.Metadata {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(f.Value)
	}
	return sb.String()
}

// timestampLen is the serialized length of a nanosecond unix timestamp string.
const timestampLen = 19

// Size estimates the serialized size of the entry in bytes for batch byte
// budgeting. Labels are excluded: they are shared per stream, not per value.
func (e Entry) Size() int {
	size := timestampLen + len(e.Message) + 8 // value tuple overhead
	if len(e.Metadata) > 0 {
		size += 3
		for _, f := range e.Metadata {
			size += len(f.Key) + len(f.Value) + 2
		}
	}
	return size
}
