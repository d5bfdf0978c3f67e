package v1

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task represents a user-submitted unit of work
type Task struct {
	ID        string            `json:"id"`
	AgentName string            `json:"agent_name"`
	InputJSON string            `json:"input_json"`
	Status    TaskStatus        `json:"status"`
	CreatedBy string            `json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
	Runs      []Run             `json:"runs"`
}

// CreateTaskRequest for submitting a new task
type CreateTaskRequest struct {
	AgentName string            `json:"agent_name" binding:"required"`
	InputJSON string            `json:"input_json"`
	CreatedBy string            `json:"created_by"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// ListTasksRequest filters for task listing
type ListTasksRequest struct {
	Status string `form:"status"`
	Agent  string `form:"agent"`
	Limit  int    `form:"limit"`
}

// ListTasksResponse wraps a task listing
type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
}

// ContinueTaskRequest carries a follow-up user turn for a run in progress
type ContinueTaskRequest struct {
	RunID   string `json:"run_id" binding:"required"`
	Message string `json:"message" binding:"required"`
}
