package v1

import "time"

// WorkerStatus represents a worker's self-reported availability
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "IDLE"
	WorkerStatusBusy     WorkerStatus = "BUSY"
	WorkerStatusDraining WorkerStatus = "DRAINING"
	WorkerStatusError    WorkerStatus = "ERROR"
)

// CanAcceptRuns reports whether a worker in this status takes new assignments.
func (s WorkerStatus) CanAcceptRuns() bool {
	return s == WorkerStatusIdle || s == WorkerStatusBusy
}

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

// AgentSpec is a named capability advertised by a worker
type AgentSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Backends    []ModelBackend `json:"backends,omitempty"`
}

// WorkerInfo is the static identity a worker advertises at hello
type WorkerInfo struct {
	WorkerID string            `json:"worker_id"`
	Hostname string            `json:"hostname"`
	Version  string            `json:"version"`
	Agents   []AgentSpec       `json:"agents"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Worker is the admin-surface view of a connected worker
type Worker struct {
	ID                string            `json:"id"`
	Hostname          string            `json:"hostname"`
	Version           string            `json:"version"`
	Agents            []AgentSpec       `json:"agents"`
	Labels            map[string]string `json:"labels,omitempty"`
	Status            WorkerStatus      `json:"status"`
	ActiveRuns        uint32            `json:"active_runs"`
	MaxConcurrentRuns uint32            `json:"max_concurrent_runs"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
}

// ListWorkersRequest filters for worker listing
type ListWorkersRequest struct {
	Agent  string `form:"agent"`
	Status string `form:"status"`
}

// ListWorkersResponse wraps a worker listing
type ListWorkersResponse struct {
	Workers []Worker `json:"workers"`
}
