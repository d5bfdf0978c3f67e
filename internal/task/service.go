// Package task implements the operator-facing task lifecycle: submission,
// lookup, cancellation, and the read side of a run's buffered output, event
// log, and chat history.
package task

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/metrics"
	sched "github.com/taskrun/taskrun/internal/scheduler"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

// Service coordinates task state changes with scheduling and fan-out. All
// mutations go through the store; the service publishes the resulting events
// only after the store has released its locks.
type Service struct {
	store     state.Store
	scheduler *sched.Scheduler
	streamBus *stream.StreamBus
	uiBus     *stream.UiBus
	log       *logger.Logger
	startedAt time.Time
}

// NewService creates the task service.
func NewService(store state.Store, scheduler *sched.Scheduler, streamBus *stream.StreamBus, uiBus *stream.UiBus, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		scheduler: scheduler,
		streamBus: streamBus,
		uiBus:     uiBus,
		log:       log.WithFields(zap.String("component", "task_service")),
		startedAt: time.Now(),
	}
}

// Create records a new task and immediately tries to place a run for it.
// Placement failure is not a creation failure: with no eligible worker the
// task simply stays pending and is retried when one connects.
func (s *Service) Create(ctx context.Context, req v1.CreateTaskRequest) (*v1.Task, error) {
	if req.AgentName == "" {
		return nil, apperrors.ValidationError("agent_name", "agent_name is required")
	}

	task := s.store.CreateTask(req.AgentName, req.InputJSON, req.CreatedBy, req.Labels)
	metrics.RecordTaskCreated(req.AgentName)
	s.log.WithTaskID(task.ID.String()).Info("task created",
		zap.String("agent", req.AgentName),
		zap.String("created_by", req.CreatedBy))
	s.uiBus.Publish(stream.NewTaskCreated(task.ToAPI()))

	if _, err := s.scheduler.AssignTask(ctx, task.ID); err != nil {
		if errors.Is(err, sched.ErrNoWorkersAvailable) {
			s.log.WithTaskID(task.ID.String()).Debug("no workers available, task stays pending",
				zap.String("agent", req.AgentName))
		} else {
			s.log.WithTaskID(task.ID.String()).WithError(err).Warn("initial assignment failed")
		}
	}

	// Re-read so the response reflects the run if one was just placed.
	created, err := s.store.GetTask(task.ID)
	if err != nil {
		return nil, apperrors.InternalError("task vanished after creation", err)
	}
	return created.ToAPI(), nil
}

// Get returns one task with its full run history.
func (s *Service) Get(ctx context.Context, id string) (*v1.Task, error) {
	task, err := s.store.GetTask(state.TaskID(id))
	if err != nil {
		return nil, apperrors.NotFound("task", id)
	}
	return task.ToAPI(), nil
}

// List returns tasks newest first, filtered by status and agent when set.
func (s *Service) List(ctx context.Context, req v1.ListTasksRequest) ([]v1.Task, error) {
	var status v1.TaskStatus
	if req.Status != "" {
		status = v1.TaskStatus(req.Status)
		switch status {
		case v1.TaskStatusPending, v1.TaskStatusRunning, v1.TaskStatusCompleted,
			v1.TaskStatusFailed, v1.TaskStatusCancelled:
		default:
			return nil, apperrors.InvalidArgument("unknown task status: " + req.Status)
		}
	}

	tasks := s.store.ListTasks(status, req.Agent, req.Limit)
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, *t.ToAPI())
	}
	return out, nil
}

// Cancel flips the task and its live runs to CANCELLED, then notifies the
// affected workers. The state change is authoritative the moment the store
// commits it; a worker that never sees its cancel_run frame can keep sending
// updates, and the store discards them as stale.
func (s *Service) Cancel(ctx context.Context, id string) (*v1.Task, error) {
	task, targets, err := s.store.CancelTask(state.TaskID(id))
	if err != nil {
		switch {
		case errors.Is(err, state.ErrTaskNotFound):
			return nil, apperrors.NotFound("task", id)
		case errors.Is(err, state.ErrTaskAlreadyTerminal):
			return nil, apperrors.FailedPrecondition("task " + id + " is already in a terminal state")
		default:
			return nil, apperrors.Wrap(err, "cancel task")
		}
	}

	now := wire.NowMS()
	for _, target := range targets {
		msg, err := wire.NewCancelRun(target.RunID.String(), "task cancelled")
		if err != nil {
			s.log.WithRunID(target.RunID.String()).WithError(err).Error("encode cancel_run failed")
			continue
		}
		// Best effort: a full channel or a vanished worker only delays the
		// teardown the worker-side run would get anyway.
		if err := s.store.TrySend(target.WorkerID, msg); err != nil {
			s.log.WithRunID(target.RunID.String()).Warn("cancel_run not delivered",
				zap.String("worker_id", target.WorkerID.String()),
				zap.Error(err))
		}

		s.streamBus.Publish(target.RunID,
			stream.NewStatusEvent(target.RunID.String(), v1.RunStatusCancelled, "", now))
		s.uiBus.Publish(stream.NewRunStatusChanged(id, target.RunID.String(), v1.RunStatusCancelled, "", now))
		s.streamBus.ScheduleRemove(target.RunID)
		metrics.RecordRunTerminal(string(wire.RunCancelled))
	}

	s.uiBus.Publish(stream.NewTaskStatusChanged(id, v1.TaskStatusCancelled))
	s.log.WithTaskID(id).Info("task cancelled", zap.Int("live_runs", len(targets)))
	return task.ToAPI(), nil
}

// Continue forwards a follow-up user turn into a run that is still in
// flight, and records it in the run's chat history once the worker has it
// on the way.
func (s *Service) Continue(ctx context.Context, taskID string, req v1.ContinueTaskRequest) (*v1.ChatMessage, error) {
	task, err := s.store.GetTask(state.TaskID(taskID))
	if err != nil {
		return nil, apperrors.NotFound("task", taskID)
	}

	var run *state.RunSummary
	for i := range task.Runs {
		if task.Runs[i].RunID.String() == req.RunID {
			run = &task.Runs[i]
			break
		}
	}
	if run == nil {
		return nil, apperrors.NotFound("run", req.RunID)
	}
	if run.Status != v1.RunStatusAssigned && run.Status != v1.RunStatusRunning {
		return nil, apperrors.FailedPrecondition("run " + req.RunID + " is not active")
	}

	msg, err := wire.NewContinueRun(req.RunID, req.Message)
	if err != nil {
		return nil, apperrors.InternalError("encode continue_run failed", err)
	}
	if err := s.store.TrySend(run.WorkerID, msg); err != nil {
		switch {
		case errors.Is(err, state.ErrWorkerNotFound):
			return nil, apperrors.FailedPrecondition("worker " + run.WorkerID.String() + " is no longer connected")
		case errors.Is(err, state.ErrOutboundFull):
			return nil, apperrors.ServiceUnavailable("worker " + run.WorkerID.String())
		default:
			return nil, apperrors.Wrap(err, "deliver continue_run")
		}
	}

	chat := v1.ChatMessage{
		Role:        v1.ChatRoleUser,
		Content:     req.Message,
		TimestampMS: wire.NowMS(),
	}
	if err := s.store.AppendChat(state.RunID(req.RunID), chat); err != nil {
		// The turn is already on its way to the worker; history is advisory.
		s.log.WithRunID(req.RunID).WithError(err).Warn("continue turn not recorded")
	} else {
		s.uiBus.Publish(stream.NewChatNotification(req.RunID, chat))
	}

	s.log.WithTaskID(taskID).WithRunID(req.RunID).Info("run continued",
		zap.String("worker_id", run.WorkerID.String()))
	return &chat, nil
}

// Output returns the retained tail of a run's combined output.
func (s *Service) Output(ctx context.Context, taskID, runID string) (*v1.RunOutput, error) {
	if err := s.checkRun(taskID, runID); err != nil {
		return nil, err
	}
	content, err := s.store.GetOutput(state.RunID(runID))
	if err != nil {
		return nil, apperrors.NotFound("run", runID)
	}
	return &v1.RunOutput{RunID: runID, Content: content}, nil
}

// Events returns a run's persisted execution events in append order.
func (s *Service) Events(ctx context.Context, taskID, runID string) ([]v1.RunEvent, error) {
	if err := s.checkRun(taskID, runID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(state.RunID(runID))
	if err != nil {
		return nil, apperrors.NotFound("run", runID)
	}
	return events, nil
}

// Chat returns a run's retained chat history in append order.
func (s *Service) Chat(ctx context.Context, taskID, runID string) ([]v1.ChatMessage, error) {
	if err := s.checkRun(taskID, runID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListChat(state.RunID(runID))
	if err != nil {
		return nil, apperrors.NotFound("run", runID)
	}
	return msgs, nil
}

// Counts returns the number of tasks per status.
func (s *Service) Counts(ctx context.Context) map[v1.TaskStatus]int {
	return s.store.TaskCounts()
}

// Status summarizes control-plane state for dashboards.
func (s *Service) Status(ctx context.Context) *v1.StatusResponse {
	return &v1.StatusResponse{
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		ConnectedWorkers: s.store.WorkerCount(),
		TasksByStatus:    s.store.TaskCounts(),
	}
}

// checkRun verifies the run exists and belongs to the task, so the run
// read-side endpoints 404 consistently instead of leaking cross-task reads.
func (s *Service) checkRun(taskID, runID string) error {
	task, err := s.store.GetTask(state.TaskID(taskID))
	if err != nil {
		return apperrors.NotFound("task", taskID)
	}
	for i := range task.Runs {
		if task.Runs[i].RunID.String() == runID {
			return nil
		}
	}
	return apperrors.NotFound("run", runID)
}
