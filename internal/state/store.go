package state

import (
	"errors"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

var (
	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRunNotFound indicates the referenced run does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrWorkerNotFound indicates the referenced worker is not connected.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrTaskAlreadyTerminal indicates a cancel on a finished task.
	ErrTaskAlreadyTerminal = errors.New("task is already in a terminal state")
	// ErrTaskNotPending indicates a run was appended to a task that already
	// moved past pending.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrWorkerNotEligible indicates the worker refused or cannot take more
	// runs at reservation time.
	ErrWorkerNotEligible = errors.New("worker cannot accept runs")
	// ErrOutboundFull indicates the worker's outbound channel is full.
	ErrOutboundFull = errors.New("worker outbound channel is full")
)

// Store is the control plane's in-memory source of truth. All operations are
// atomic with respect to other operations on the same task or worker, never
// perform I/O while holding a lock, and never block on a channel send while
// holding a lock. Returned tasks and snapshots are deep copies.
type Store interface {
	// CreateTask registers a new pending task and returns a copy of it.
	CreateTask(agentName, inputJSON, createdBy string, labels map[string]string) *Task
	// GetTask returns a copy of the task or ErrTaskNotFound.
	GetTask(id TaskID) (*Task, error)
	// ListTasks returns tasks matching the filters, newest first. A zero
	// status or empty agent matches everything; limit <= 0 means no limit.
	ListTasks(status v1.TaskStatus, agent string, limit int) []*Task
	// CancelTask flips the task and all its active runs to cancelled and
	// returns the workers that must receive a CancelRun message. The caller
	// performs those sends after this call returns; no lock is held by then.
	CancelTask(id TaskID) (*Task, []CancelTarget, error)
	// AppendRun attaches a new run to a pending task and moves the task to
	// running. Fills RunID when empty. Returns ErrTaskNotPending when the
	// task has already started or finished.
	AppendRun(taskID TaskID, run RunSummary) (*Task, error)
	// ApplyRunStatus advances a run's status and re-derives the owning
	// task's status. Stale updates (the run is already terminal, or the
	// status did not change) come back with Ignored set and must not be
	// published. Unknown runs return ErrRunNotFound.
	ApplyRunStatus(change RunStatusChange) (*RunTransition, error)
	// TaskCounts returns the number of tasks per status.
	TaskCounts() map[v1.TaskStatus]int

	// RegisterWorker inserts the registry entry for a freshly authenticated
	// session. A still-registered entry with the same id is replaced and its
	// Done channel closed, which unwinds the previous session. Reports
	// whether such a replacement happened.
	RegisterWorker(info v1.WorkerInfo, outbound chan *wire.ServerMessage, done chan struct{}) bool
	// DeregisterWorker removes the entry and closes its Done channel. When
	// owner is non-nil the entry is only removed if it still belongs to that
	// outbound channel, so a superseded session cannot remove its successor.
	// Reports whether an entry was removed.
	DeregisterWorker(id WorkerID, owner chan *wire.ServerMessage) bool
	// ApplyHeartbeat overwrites the worker's self-reported status and
	// counters and stamps last_heartbeat. Reports whether the worker became
	// schedulable with this beat. Unknown workers return ErrWorkerNotFound
	// and are never registered retroactively.
	ApplyHeartbeat(hb HeartbeatUpdate) (bool, error)
	// MarkWorkerStatus overrides a worker's status without touching its
	// heartbeat clock. The reaper uses it to flag stale workers.
	MarkWorkerStatus(id WorkerID, status v1.WorkerStatus) error
	// GetWorker returns a snapshot of the registry entry.
	GetWorker(id WorkerID) (*WorkerSnapshot, error)
	// ListWorkers returns snapshots matching the filters, ordered by id.
	ListWorkers(agent string, status v1.WorkerStatus) []*WorkerSnapshot
	// EligibleWorkers returns, in ascending id order, the workers that
	// advertise the agent and can take one more run.
	EligibleWorkers(agentName string) []WorkerID
	// ReserveAndSend increments the worker's active run count and enqueues
	// the message without blocking. On a full channel the increment is
	// reverted and ErrOutboundFull returned. Eligibility is re-checked under
	// the lock; ErrWorkerNotEligible means the registry changed since the
	// caller selected this worker.
	ReserveAndSend(id WorkerID, msg *wire.ServerMessage) error
	// TrySend enqueues the message without blocking and without touching
	// run accounting.
	TrySend(id WorkerID, msg *wire.ServerMessage) error
	// WorkerCount returns the number of connected workers.
	WorkerCount() int

	// AppendOutput appends to the run's bounded output buffer, dropping the
	// oldest bytes on overflow.
	AppendOutput(runID RunID, content string) error
	// GetOutput returns the run's buffered output.
	GetOutput(runID RunID) (string, error)
	// AppendEvent appends to the run's event log, filling the event id when
	// empty.
	AppendEvent(ev v1.RunEvent) error
	// ListEvents returns a copy of the run's event log.
	ListEvents(runID RunID) ([]v1.RunEvent, error)
	// AppendChat appends to the run's chat history, evicting the oldest
	// message beyond the retention cap.
	AppendChat(runID RunID, msg v1.ChatMessage) error
	// ListChat returns a copy of the run's chat history.
	ListChat(runID RunID) ([]v1.ChatMessage, error)
}
