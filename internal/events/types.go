// Package events bridges control-plane notifications onto the event bus so
// external consumers (dashboards, audit pipelines) can follow task, run, and
// worker activity without holding a WebSocket to this process.
package events

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
)

// Event types for runs
const (
	RunStatusChanged = "run.status_changed"
	RunOutputChunk   = "run.output_chunk" // Base subject, suffixed with the run ID
	RunEvent         = "run.event"        // Base subject, suffixed with the run ID
	RunChatMessage   = "run.chat_message" // Base subject, suffixed with the run ID
)

// Event types for workers
const (
	WorkerConnected    = "worker.connected"
	WorkerDisconnected = "worker.disconnected"
	WorkerHeartbeat    = "worker.heartbeat"
)

// BuildRunOutputSubject creates an output chunk subject for a specific run
func BuildRunOutputSubject(runID string) string {
	return RunOutputChunk + "." + runID
}

// BuildRunOutputWildcardSubject creates a wildcard subscription for all run output events
func BuildRunOutputWildcardSubject() string {
	return RunOutputChunk + ".*"
}

// BuildRunEventSubject creates a lifecycle event subject for a specific run
func BuildRunEventSubject(runID string) string {
	return RunEvent + "." + runID
}

// BuildRunEventWildcardSubject creates a wildcard subscription for all run lifecycle events
func BuildRunEventWildcardSubject() string {
	return RunEvent + ".*"
}

// BuildChatSubject creates a chat message subject for a specific run
func BuildChatSubject(runID string) string {
	return RunChatMessage + "." + runID
}

// BuildChatWildcardSubject creates a wildcard subscription for all chat messages
func BuildChatWildcardSubject() string {
	return RunChatMessage + ".*"
}
