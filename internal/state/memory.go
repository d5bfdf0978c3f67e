package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

const (
	// outputBufferCap bounds a run's buffered output; oldest bytes are
	// dropped on overflow.
	outputBufferCap = 50 * 1024
	// chatHistoryCap bounds a run's retained chat history.
	chatHistoryCap = 100
)

// MemoryStore is the in-memory implementation of Store. Three mutexes guard
// the three top-level maps. When an operation needs more than one of them it
// takes them one at a time in the fixed order tasks, workers, buffers, and
// never holds two at once.
type MemoryStore struct {
	tasksMu  sync.RWMutex
	tasks    map[TaskID]*Task
	runIndex map[RunID]TaskID

	workersMu sync.RWMutex
	workers   map[WorkerID]*ConnectedWorker

	buffersMu sync.RWMutex
	outputs   map[RunID]*OutputBuffer
	events    map[RunID][]v1.RunEvent
	chats     map[RunID][]v1.ChatMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[TaskID]*Task),
		runIndex: make(map[RunID]TaskID),
		workers:  make(map[WorkerID]*ConnectedWorker),
		outputs:  make(map[RunID]*OutputBuffer),
		events:   make(map[RunID][]v1.RunEvent),
		chats:    make(map[RunID][]v1.ChatMessage),
	}
}

// CreateTask registers a new pending task.
func (m *MemoryStore) CreateTask(agentName, inputJSON, createdBy string, labels map[string]string) *Task {
	task := &Task{
		ID:        NewTaskID(),
		AgentName: agentName,
		InputJSON: inputJSON,
		Status:    v1.TaskStatusPending,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Labels:    copyLabels(labels),
		Runs:      []RunSummary{},
	}

	m.tasksMu.Lock()
	m.tasks[task.ID] = task
	m.tasksMu.Unlock()

	return task.clone()
}

// GetTask returns a copy of the task.
func (m *MemoryStore) GetTask(id TaskID) (*Task, error) {
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.clone(), nil
}

// ListTasks returns matching tasks, newest first.
func (m *MemoryStore) ListTasks(status v1.TaskStatus, agent string, limit int) []*Task {
	m.tasksMu.RLock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if status != "" && task.Status != status {
			continue
		}
		if agent != "" && task.AgentName != agent {
			continue
		}
		out = append(out, task.clone())
	}
	m.tasksMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CancelTask flips the task and its active runs to cancelled. Worker run
// accounting is settled here; the CancelRun sends are left to the caller.
func (m *MemoryStore) CancelTask(id TaskID) (*Task, []CancelTarget, error) {
	now := time.Now().UTC()

	m.tasksMu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.tasksMu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.IsTerminal() {
		m.tasksMu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskAlreadyTerminal, id)
	}

	var targets []CancelTarget
	for i := range task.Runs {
		run := &task.Runs[i]
		if run.Status.IsTerminal() {
			continue
		}
		run.Status = v1.RunStatusCancelled
		finished := now
		run.FinishedAt = &finished
		targets = append(targets, CancelTarget{WorkerID: run.WorkerID, RunID: run.RunID})
	}
	task.Status = v1.TaskStatusCancelled
	snapshot := task.clone()
	m.tasksMu.Unlock()

	if len(targets) > 0 {
		m.workersMu.Lock()
		for _, t := range targets {
			if w := m.workers[t.WorkerID]; w != nil && w.ActiveRuns > 0 {
				w.ActiveRuns--
			}
		}
		m.workersMu.Unlock()
	}

	return snapshot, targets, nil
}

// AppendRun attaches a freshly assigned run to a pending task.
func (m *MemoryStore) AppendRun(taskID TaskID, run RunSummary) (*Task, error) {
	if run.RunID == "" {
		run.RunID = NewRunID()
	}
	if run.Status == "" {
		run.Status = v1.RunStatusAssigned
	}

	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != v1.TaskStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, task.Status)
	}

	task.Runs = append(task.Runs, run)
	task.Status = v1.TaskStatusRunning
	m.runIndex[run.RunID] = taskID

	return task.clone(), nil
}

// ApplyRunStatus advances a run's status and re-derives the task status.
func (m *MemoryStore) ApplyRunStatus(change RunStatusChange) (*RunTransition, error) {
	now := time.Now().UTC()

	m.tasksMu.Lock()
	taskID, ok := m.runIndex[change.RunID]
	if !ok {
		m.tasksMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, change.RunID)
	}
	task := m.tasks[taskID]
	var run *RunSummary
	for i := range task.Runs {
		if task.Runs[i].RunID == change.RunID {
			run = &task.Runs[i]
			break
		}
	}
	if run == nil {
		m.tasksMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, change.RunID)
	}

	tr := &RunTransition{
		TaskID:     taskID,
		RunID:      change.RunID,
		WorkerID:   run.WorkerID,
		RunStatus:  run.Status,
		TaskStatus: task.Status,
	}

	// Terminal is one-shot; a stale or repeated update is dropped.
	if run.Status.IsTerminal() || run.Status == change.Status {
		tr.Ignored = true
		m.tasksMu.Unlock()
		return tr, nil
	}

	run.Status = change.Status
	if change.Status == v1.RunStatusRunning && run.StartedAt == nil {
		started := now
		run.StartedAt = &started
	}
	if change.Status.IsTerminal() {
		finished := now
		run.FinishedAt = &finished
		if change.ErrorMessage != "" {
			run.ErrorMessage = change.ErrorMessage
		}
		if change.BackendUsed != nil {
			backend := *change.BackendUsed
			run.BackendUsed = &backend
		}
		tr.Terminal = true
	}

	prev := task.Status
	task.Status = deriveTaskStatus(task)
	tr.RunStatus = run.Status
	tr.TaskStatus = task.Status
	tr.TaskChanged = task.Status != prev
	workerID := run.WorkerID
	m.tasksMu.Unlock()

	if tr.Terminal {
		m.workersMu.Lock()
		if w := m.workers[workerID]; w != nil && w.ActiveRuns > 0 {
			w.ActiveRuns--
		}
		m.workersMu.Unlock()
	}

	return tr, nil
}

// TaskCounts returns the task population per status.
func (m *MemoryStore) TaskCounts() map[v1.TaskStatus]int {
	counts := map[v1.TaskStatus]int{
		v1.TaskStatusPending:   0,
		v1.TaskStatusRunning:   0,
		v1.TaskStatusCompleted: 0,
		v1.TaskStatusFailed:    0,
		v1.TaskStatusCancelled: 0,
	}

	m.tasksMu.RLock()
	for _, task := range m.tasks {
		counts[task.Status]++
	}
	m.tasksMu.RUnlock()

	return counts
}

// RegisterWorker inserts the registry entry for an authenticated session.
func (m *MemoryStore) RegisterWorker(info v1.WorkerInfo, outbound chan *wire.ServerMessage, done chan struct{}) bool {
	id := WorkerID(info.WorkerID)

	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	replaced := false
	if prev, ok := m.workers[id]; ok {
		close(prev.Done)
		replaced = true
	}
	m.workers[id] = &ConnectedWorker{
		Info:          info,
		Status:        v1.WorkerStatusIdle,
		LastHeartbeat: time.Now().UTC(),
		Outbound:      outbound,
		Done:          done,
	}
	return replaced
}

// DeregisterWorker removes the entry owned by the given outbound channel.
func (m *MemoryStore) DeregisterWorker(id WorkerID, owner chan *wire.ServerMessage) bool {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return false
	}
	if owner != nil && w.Outbound != owner {
		return false
	}
	delete(m.workers, id)
	close(w.Done)
	return true
}

// ApplyHeartbeat applies the worker's self-reported state, last writer wins.
func (m *MemoryStore) ApplyHeartbeat(hb HeartbeatUpdate) (bool, error) {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	w, ok := m.workers[hb.WorkerID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrWorkerNotFound, hb.WorkerID)
	}

	before := w.schedulable()
	w.Status = hb.Status
	w.ActiveRuns = hb.ActiveRuns
	w.MaxConcurrentRuns = hb.MaxConcurrentRuns
	w.LastHeartbeat = time.Now().UTC()
	return !before && w.schedulable(), nil
}

// MarkWorkerStatus overrides the status without touching the heartbeat clock.
func (m *MemoryStore) MarkWorkerStatus(id WorkerID, status v1.WorkerStatus) error {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	w.Status = status
	return nil
}

// GetWorker returns a snapshot of the registry entry.
func (m *MemoryStore) GetWorker(id WorkerID) (*WorkerSnapshot, error) {
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()

	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return w.snapshot(), nil
}

// ListWorkers returns snapshots matching the filters, ordered by id.
func (m *MemoryStore) ListWorkers(agent string, status v1.WorkerStatus) []*WorkerSnapshot {
	m.workersMu.RLock()
	out := make([]*WorkerSnapshot, 0, len(m.workers))
	for _, w := range m.workers {
		if agent != "" && !w.SupportsAgent(agent) {
			continue
		}
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, w.snapshot())
	}
	m.workersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Info.WorkerID < out[j].Info.WorkerID })
	return out
}

// EligibleWorkers returns schedulable workers for the agent in id order.
func (m *MemoryStore) EligibleWorkers(agentName string) []WorkerID {
	m.workersMu.RLock()
	ids := make([]WorkerID, 0, len(m.workers))
	for id, w := range m.workers {
		if w.schedulable() && w.SupportsAgent(agentName) {
			ids = append(ids, id)
		}
	}
	m.workersMu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReserveAndSend reserves a run slot and enqueues the assignment.
func (m *MemoryStore) ReserveAndSend(id WorkerID, msg *wire.ServerMessage) error {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if !w.schedulable() {
		return fmt.Errorf("%w: %s", ErrWorkerNotEligible, id)
	}

	w.ActiveRuns++
	select {
	case w.Outbound <- msg:
		return nil
	default:
		w.ActiveRuns--
		return fmt.Errorf("%w: %s", ErrOutboundFull, id)
	}
}

// TrySend enqueues a message for the worker without blocking.
func (m *MemoryStore) TrySend(id WorkerID, msg *wire.ServerMessage) error {
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()

	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	select {
	case w.Outbound <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrOutboundFull, id)
	}
}

// WorkerCount returns the number of connected workers.
func (m *MemoryStore) WorkerCount() int {
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()
	return len(m.workers)
}

func (m *MemoryStore) runExists(runID RunID) bool {
	m.tasksMu.RLock()
	_, ok := m.runIndex[runID]
	m.tasksMu.RUnlock()
	return ok
}

// AppendOutput appends content to the run's bounded output buffer.
func (m *MemoryStore) AppendOutput(runID RunID, content string) error {
	if !m.runExists(runID) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	m.buffersMu.Lock()
	defer m.buffersMu.Unlock()

	buf, ok := m.outputs[runID]
	if !ok {
		buf = NewOutputBuffer(outputBufferCap)
		m.outputs[runID] = buf
	}
	buf.Append([]byte(content))
	return nil
}

// GetOutput returns the run's buffered output.
func (m *MemoryStore) GetOutput(runID RunID) (string, error) {
	if !m.runExists(runID) {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	m.buffersMu.RLock()
	defer m.buffersMu.RUnlock()

	buf, ok := m.outputs[runID]
	if !ok {
		return "", nil
	}
	return buf.String(), nil
}

// AppendEvent appends the event to its run's log.
func (m *MemoryStore) AppendEvent(ev v1.RunEvent) error {
	runID := RunID(ev.RunID)
	if !m.runExists(runID) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if ev.ID == "" {
		ev.ID = NewEventID().String()
	}

	m.buffersMu.Lock()
	m.events[runID] = append(m.events[runID], ev)
	m.buffersMu.Unlock()
	return nil
}

// ListEvents returns a copy of the run's event log.
func (m *MemoryStore) ListEvents(runID RunID) ([]v1.RunEvent, error) {
	if !m.runExists(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	m.buffersMu.RLock()
	defer m.buffersMu.RUnlock()
	return append([]v1.RunEvent(nil), m.events[runID]...), nil
}

// AppendChat appends the message to the run's chat history.
func (m *MemoryStore) AppendChat(runID RunID, msg v1.ChatMessage) error {
	if !m.runExists(runID) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	m.buffersMu.Lock()
	defer m.buffersMu.Unlock()

	msgs := append(m.chats[runID], msg)
	if len(msgs) > chatHistoryCap {
		msgs = append(msgs[:0], msgs[len(msgs)-chatHistoryCap:]...)
	}
	m.chats[runID] = msgs
	return nil
}

// ListChat returns a copy of the run's chat history.
func (m *MemoryStore) ListChat(runID RunID) ([]v1.ChatMessage, error) {
	if !m.runExists(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	m.buffersMu.RLock()
	defer m.buffersMu.RUnlock()
	return append([]v1.ChatMessage(nil), m.chats[runID]...), nil
}
