package wire

// WorkerStatus is a worker's self-reported availability on the wire
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerError    WorkerStatus = "error"
)

// Valid reports whether the value is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerDraining, WorkerError:
		return true
	}
	return false
}

// RunStatus is a run's lifecycle state on the wire
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunAssigned  RunStatus = "assigned"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Valid reports whether the value is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunAssigned, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunEventType classifies execution events on the wire
type RunEventType string

const (
	EventExecutionStarted   RunEventType = "execution_started"
	EventSessionInitialized RunEventType = "session_initialized"
	EventToolRequested      RunEventType = "tool_requested"
	EventToolCompleted      RunEventType = "tool_completed"
	EventOutputGenerated    RunEventType = "output_generated"
	EventExecutionCompleted RunEventType = "execution_completed"
	EventExecutionFailed    RunEventType = "execution_failed"
)

// Valid reports whether the value is a known event type.
func (t RunEventType) Valid() bool {
	switch t {
	case EventExecutionStarted, EventSessionInitialized, EventToolRequested,
		EventToolCompleted, EventOutputGenerated, EventExecutionCompleted,
		EventExecutionFailed:
		return true
	}
	return false
}

// ChatRole identifies the author of a conversational turn
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// Valid reports whether the value is a known chat role.
func (r ChatRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AckType classifies acknowledgement frames
type AckType string

const (
	AckTypeAssign   AckType = "assign"
	AckTypeCancel   AckType = "cancel"
	AckTypeContinue AckType = "continue"
)

// ModelBackend describes one model a worker agent can drive
type ModelBackend struct {
	Provider          string            `json:"provider"`
	ModelName         string            `json:"model_name"`
	ContextWindow     int               `json:"context_window"`
	SupportsStreaming bool              `json:"supports_streaming"`
	Modalities        []string          `json:"modalities,omitempty"`
	Tools             []string          `json:"tools,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// AgentSpec is a named capability a worker advertises
type AgentSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Backends    []ModelBackend `json:"backends,omitempty"`
}

// WorkerInfo is the static identity sent in the hello frame
type WorkerInfo struct {
	WorkerID string            `json:"worker_id"`
	Hostname string            `json:"hostname"`
	Version  string            `json:"version"`
	Agents   []AgentSpec       `json:"agents"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// WorkerHello registers the worker. Sent exactly once, first.
type WorkerHello struct {
	Info *WorkerInfo `json:"info"`
}

// WorkerHeartbeat reports liveness and load counters
type WorkerHeartbeat struct {
	WorkerID          string            `json:"worker_id"`
	Status            WorkerStatus      `json:"status"`
	ActiveRuns        uint32            `json:"active_runs"`
	MaxConcurrentRuns uint32            `json:"max_concurrent_runs"`
	Metrics           map[string]string `json:"metrics,omitempty"`
	TimestampMS       int64             `json:"timestamp_ms"`
}

// RunStatusUpdate advances a run through its lifecycle
type RunStatusUpdate struct {
	RunID        string        `json:"run_id"`
	Status       RunStatus     `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	BackendUsed  *ModelBackend `json:"backend_used,omitempty"`
	TimestampMS  int64         `json:"timestamp_ms"`
}

// RunOutputChunk carries a slice of live run output
type RunOutputChunk struct {
	RunID       string            `json:"run_id"`
	Seq         uint64            `json:"seq"`
	Content     string            `json:"content"`
	IsFinal     bool              `json:"is_final"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TimestampMS int64             `json:"timestamp_ms"`
}

// RunEvent is an execution event for a run's append-only log
type RunEvent struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	TaskID      string            `json:"task_id"`
	EventType   RunEventType      `json:"event_type"`
	TimestampMS int64             `json:"timestamp_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatMessage is one conversational turn
type ChatMessage struct {
	Role        ChatRole `json:"role"`
	Content     string   `json:"content"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// RunChatMessage attaches a chat message to its run
type RunChatMessage struct {
	RunID   string      `json:"run_id"`
	Message ChatMessage `json:"message"`
}

// RunAssignment instructs a worker to begin a run
type RunAssignment struct {
	RunID      string            `json:"run_id"`
	TaskID     string            `json:"task_id"`
	AgentName  string            `json:"agent_name"`
	InputJSON  string            `json:"input_json"`
	Labels     map[string]string `json:"labels,omitempty"`
	IssuedAtMS int64             `json:"issued_at_ms"`
	DeadlineMS int64             `json:"deadline_ms,omitempty"`
}

// CancelRun requests cancellation; the worker must still report a terminal
// status update for the run.
type CancelRun struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// ContinueRun delivers a follow-up user turn within an existing model session
type ContinueRun struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// Ack is an optional acknowledgement; not required for correctness
type Ack struct {
	AckType AckType `json:"ack_type"`
	RefID   string  `json:"ref_id"`
}
