package domain

import "time"

// LogEvent is the kind of audit event a LogEntry records.
type LogEvent string

// Audit event kinds.
const (
	LogEventStart    LogEvent = "START"
	LogEventComplete LogEvent = "COMPLETE"
	LogEventError    LogEvent = "ERROR"
)

// LogEntry is one append-only audit record. Entries are never mutated after
// creation; the same entry is written to the in-memory run log, the local
// JSONL file and, best-effort, the remote log endpoint.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	SkillName string    `json:"skill_name"`
	Event     LogEvent  `json:"event"`
	Message   string    `json:"message,omitempty"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
