package audit

import (
	"time"
)

// Status is the lifecycle state of a request log row.
// Rows move pending -> in_progress -> {completed, failed}; a pending row may also
// go straight to failed when admission is refused.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NonTerminal lists the statuses an in-flight attempt can be in.
var NonTerminal = []Status{StatusPending, StatusInProgress}

// Fingerprint identifies the OS process that owns an attempt.
// StartTime is the process creation time in unix milliseconds and guards against PID reuse.
type Fingerprint struct {
	PID       int
	StartTime int64
}

// Valid reports whether the fingerprint carries both halves.
func (f Fingerprint) Valid() bool {
	return f.PID > 0 && f.StartTime > 0
}

// Record is one request log row: a single execution attempt for a correlation key.
type Record struct {
	ID              int64
	AttemptID       string
	CorrelationKey  string
	RequestPayload  string
	ResponsePayload string
	Status          Status
	Owner           *Fingerprint
	ConversationID  string
	Comments        string
	DurationSeconds *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ToolCallStatus is the lifecycle state of a tool call row.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallFailed  ToolCallStatus = "failed"
)

// ToolCall captures one function invocation requested by the model.
type ToolCall struct {
	ID              int64
	RequestLogID    int64
	CorrelationKey  string
	CallID          string
	FunctionName    string
	Arguments       string
	Output          string
	Status          ToolCallStatus
	ErrorMessage    string
	DurationSeconds *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const commentTimeLayout = "01-02 15:04:05.000"

// FormatComment renders one line of the append-only comment log.
func FormatComment(at time.Time, text string) string {
	return "[" + at.Format(commentTimeLayout) + "] " + text + "\n"
}
