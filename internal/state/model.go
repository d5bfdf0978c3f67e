// Package state holds the in-memory catalog of tasks, runs, and connected
// workers, together with the per-run output buffers, event logs, and chat
// histories. The Store is the single owner of all domain objects; components
// receive a handle to it and never share ambient state.
package state

import (
	"time"

	"github.com/google/uuid"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

// TaskID identifies a task
type TaskID string

// RunID identifies one run attempt of a task
type RunID string

// WorkerID identifies a connected worker, extracted from its certificate CN
type WorkerID string

// EventID identifies a run event
type EventID string

// NewTaskID returns a random task identifier.
func NewTaskID() TaskID { return TaskID(uuid.New().String()) }

// NewRunID returns a random run identifier.
func NewRunID() RunID { return RunID(uuid.New().String()) }

// NewWorkerID returns a random worker identifier.
func NewWorkerID() WorkerID { return WorkerID(uuid.New().String()) }

// NewEventID returns a random event identifier.
func NewEventID() EventID { return EventID(uuid.New().String()) }

func (id TaskID) String() string   { return string(id) }
func (id RunID) String() string    { return string(id) }
func (id WorkerID) String() string { return string(id) }
func (id EventID) String() string  { return string(id) }

// Task is a user-submitted unit of work and its run history
type Task struct {
	ID        TaskID
	AgentName string
	InputJSON string
	Status    v1.TaskStatus
	CreatedBy string
	CreatedAt time.Time
	Labels    map[string]string
	Runs      []RunSummary
}

// RunSummary is one attempt to execute a task on a specific worker
type RunSummary struct {
	RunID        RunID
	WorkerID     WorkerID
	Status       v1.RunStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	BackendUsed  *v1.ModelBackend
	ErrorMessage string
}

// ConnectedWorker is the registry entry for an open worker session. The
// outbound channel is created by the session at hello and shared with the
// store. The outbound channel itself is never closed; Done is closed exactly
// once, by the store when the entry is removed or replaced, and wakes the
// session's writer so it can tear the connection down.
type ConnectedWorker struct {
	Info              v1.WorkerInfo
	Status            v1.WorkerStatus
	ActiveRuns        uint32
	MaxConcurrentRuns uint32
	LastHeartbeat     time.Time
	Outbound          chan *wire.ServerMessage
	Done              chan struct{}
}

// WorkerOutboundCapacity is the bound on a worker's outbound channel.
const WorkerOutboundCapacity = 32

// CanAcceptRuns reports whether the worker takes new assignments.
func (w *ConnectedWorker) CanAcceptRuns() bool {
	return w.Status.CanAcceptRuns()
}

// SupportsAgent reports whether the worker advertises the named agent.
func (w *ConnectedWorker) SupportsAgent(agentName string) bool {
	for _, a := range w.Info.Agents {
		if a.Name == agentName {
			return true
		}
	}
	return false
}

// schedulable reports whether the worker can take one more run right now.
// A freshly registered worker has MaxConcurrentRuns zero until its first
// heartbeat and is therefore not schedulable.
func (w *ConnectedWorker) schedulable() bool {
	return w.Status.CanAcceptRuns() && w.ActiveRuns < w.MaxConcurrentRuns
}

// HeartbeatUpdate carries the fields a heartbeat may change
type HeartbeatUpdate struct {
	WorkerID          WorkerID
	Status            v1.WorkerStatus
	ActiveRuns        uint32
	MaxConcurrentRuns uint32
}

// RunStatusChange is a requested run transition from a worker status update
type RunStatusChange struct {
	RunID        RunID
	Status       v1.RunStatus
	ErrorMessage string
	BackendUsed  *v1.ModelBackend
}

// RunTransition reports what a status change actually did, so callers can
// publish stream and UI events after the locks are released.
type RunTransition struct {
	TaskID     TaskID
	RunID      RunID
	WorkerID   WorkerID
	RunStatus  v1.RunStatus
	TaskStatus v1.TaskStatus

	// TaskChanged is set when the task status moved as a consequence.
	TaskChanged bool
	// Terminal is set when the run entered a terminal state in this call.
	Terminal bool
	// Ignored is set when the update was stale and dropped (for example a
	// late status for a run that was already cancelled).
	Ignored bool
}

// CancelTarget names a worker that must receive a CancelRun message. The
// caller sends it after the task lock has been released.
type CancelTarget struct {
	WorkerID WorkerID
	RunID    RunID
}

// ToAPI converts the internal task to its API representation.
func (t *Task) ToAPI() *v1.Task {
	runs := make([]v1.Run, 0, len(t.Runs))
	for i := range t.Runs {
		runs = append(runs, t.Runs[i].ToAPI())
	}
	return &v1.Task{
		ID:        string(t.ID),
		AgentName: t.AgentName,
		InputJSON: t.InputJSON,
		Status:    t.Status,
		CreatedBy: t.CreatedBy,
		CreatedAt: t.CreatedAt,
		Labels:    copyLabels(t.Labels),
		Runs:      runs,
	}
}

// ToAPI converts the internal run summary to its API representation.
func (r *RunSummary) ToAPI() v1.Run {
	run := v1.Run{
		RunID:        string(r.RunID),
		WorkerID:     string(r.WorkerID),
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage,
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		run.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		run.FinishedAt = &t
	}
	if r.BackendUsed != nil {
		b := *r.BackendUsed
		run.BackendUsed = &b
	}
	return run
}

// WorkerSnapshot is a point-in-time copy of a registry entry, safe to hand
// to callers outside the store's locks.
type WorkerSnapshot struct {
	Info              v1.WorkerInfo
	Status            v1.WorkerStatus
	ActiveRuns        uint32
	MaxConcurrentRuns uint32
	LastHeartbeat     time.Time
}

func (w *ConnectedWorker) snapshot() *WorkerSnapshot {
	info := w.Info
	info.Labels = copyLabels(w.Info.Labels)
	info.Agents = append([]v1.AgentSpec(nil), w.Info.Agents...)
	return &WorkerSnapshot{
		Info:              info,
		Status:            w.Status,
		ActiveRuns:        w.ActiveRuns,
		MaxConcurrentRuns: w.MaxConcurrentRuns,
		LastHeartbeat:     w.LastHeartbeat,
	}
}

// ToAPI converts the snapshot to its API representation.
func (w *WorkerSnapshot) ToAPI() *v1.Worker {
	return &v1.Worker{
		ID:                w.Info.WorkerID,
		Hostname:          w.Info.Hostname,
		Version:           w.Info.Version,
		Agents:            w.Info.Agents,
		Labels:            w.Info.Labels,
		Status:            w.Status,
		ActiveRuns:        w.ActiveRuns,
		MaxConcurrentRuns: w.MaxConcurrentRuns,
		LastHeartbeat:     w.LastHeartbeat,
	}
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func (t *Task) clone() *Task {
	out := &Task{
		ID:        t.ID,
		AgentName: t.AgentName,
		InputJSON: t.InputJSON,
		Status:    t.Status,
		CreatedBy: t.CreatedBy,
		CreatedAt: t.CreatedAt,
		Labels:    copyLabels(t.Labels),
		Runs:      make([]RunSummary, len(t.Runs)),
	}
	for i := range t.Runs {
		out.Runs[i] = t.Runs[i].cloneRun()
	}
	return out
}

func (r RunSummary) cloneRun() RunSummary {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.BackendUsed != nil {
		b := *r.BackendUsed
		out.BackendUsed = &b
	}
	return out
}

// deriveTaskStatus computes a task's status from its runs. An explicit
// cancellation sticks; otherwise: any running run makes the task running,
// all-terminal resolves to completed over failed, and anything still
// pending or assigned (or an empty run list) keeps the task pending.
func deriveTaskStatus(t *Task) v1.TaskStatus {
	if t.Status == v1.TaskStatusCancelled {
		return v1.TaskStatusCancelled
	}
	if len(t.Runs) == 0 {
		return v1.TaskStatusPending
	}

	allTerminal := true
	anyCompleted := false
	allFailed := true
	for i := range t.Runs {
		switch t.Runs[i].Status {
		case v1.RunStatusRunning:
			return v1.TaskStatusRunning
		case v1.RunStatusCompleted:
			anyCompleted = true
			allFailed = false
		case v1.RunStatusFailed:
			// keeps allFailed
		case v1.RunStatusCancelled:
			allFailed = false
		default:
			allTerminal = false
			allFailed = false
		}
	}

	if allTerminal {
		if anyCompleted {
			return v1.TaskStatusCompleted
		}
		if allFailed {
			return v1.TaskStatusFailed
		}
	}
	// A terminal mix without completions (a worker-side cancelled run on a
	// task that was never cancelled) stays pending and eligible for a new
	// run, same as tasks with pending or assigned runs.
	return v1.TaskStatusPending
}
