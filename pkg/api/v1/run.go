package v1

import "time"

// RunStatus represents the lifecycle state of a single run attempt
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusAssigned  RunStatus = "ASSIGNED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one attempt to execute a task on a specific worker
type Run struct {
	RunID        string        `json:"run_id"`
	WorkerID     string        `json:"worker_id"`
	Status       RunStatus     `json:"status"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	BackendUsed  *ModelBackend `json:"backend_used,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// RunEventType classifies execution events reported by workers
type RunEventType string

const (
	RunEventExecutionStarted   RunEventType = "EXECUTION_STARTED"
	RunEventSessionInitialized RunEventType = "SESSION_INITIALIZED"
	RunEventToolRequested      RunEventType = "TOOL_REQUESTED"
	RunEventToolCompleted      RunEventType = "TOOL_COMPLETED"
	RunEventOutputGenerated    RunEventType = "OUTPUT_GENERATED"
	RunEventExecutionCompleted RunEventType = "EXECUTION_COMPLETED"
	RunEventExecutionFailed    RunEventType = "EXECUTION_FAILED"
)

// RunEvent is an execution event in a run's append-only log
type RunEvent struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	TaskID      string            `json:"task_id"`
	EventType   RunEventType      `json:"event_type"`
	TimestampMS int64             `json:"timestamp_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatRole identifies the author of a conversational turn
type ChatRole string

const (
	ChatRoleUser      ChatRole = "USER"
	ChatRoleAssistant ChatRole = "ASSISTANT"
	ChatRoleSystem    ChatRole = "SYSTEM"
)

// ChatMessage is one conversational turn in a run's chat history
type ChatMessage struct {
	Role        ChatRole `json:"role"`
	Content     string   `json:"content"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// RunOutput is the buffered output of a run
type RunOutput struct {
	RunID   string `json:"run_id"`
	Content string `json:"content"`
}

// ListRunEventsResponse wraps a run's event log
type ListRunEventsResponse struct {
	Events []RunEvent `json:"events"`
}

// ListChatResponse wraps a run's chat history
type ListChatResponse struct {
	Messages []ChatMessage `json:"messages"`
}
