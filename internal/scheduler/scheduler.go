// Package scheduler matches pending tasks with eligible workers and hands
// the resulting run assignments to the worker sessions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/metrics"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

var (
	// ErrNoWorkersAvailable indicates no connected worker can take the
	// task's agent right now. The task stays pending.
	ErrNoWorkersAvailable = errors.New("no eligible workers available")
	// ErrSendFailed indicates the chosen worker could not be handed the
	// assignment. The run stays assigned; an operator can cancel the task.
	ErrSendFailed = errors.New("assignment could not be delivered")
)

// Scheduler assigns pending tasks to workers. Selection walks eligible
// workers in sorted id order and takes the first one, which keeps placement
// deterministic for tests and predictable for operators.
type Scheduler struct {
	store state.Store
	uiBus *stream.UiBus
	cfg   config.SchedulerConfig
	log   *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler backed by the given store.
func New(store state.Store, uiBus *stream.UiBus, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		uiBus: uiBus,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "scheduler")),
	}
}

// AssignTask places one run for a pending task on the first eligible worker.
// It returns the new run's id on success. The task lock and the worker lock
// are taken one after the other, never together; the run is recorded before
// the send so a fast worker's first status update always finds it.
func (s *Scheduler) AssignTask(ctx context.Context, taskID state.TaskID) (state.RunID, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if task.Status != v1.TaskStatusPending {
		return "", fmt.Errorf("%w: %s is %s", state.ErrTaskNotPending, taskID, task.Status)
	}

	candidates := s.store.EligibleWorkers(task.AgentName)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: agent %s", ErrNoWorkersAvailable, task.AgentName)
	}
	workerID := candidates[0]

	runID := state.NewRunID()
	if _, err := s.store.AppendRun(taskID, state.RunSummary{
		RunID:    runID,
		WorkerID: workerID,
		Status:   v1.RunStatusAssigned,
	}); err != nil {
		return "", err
	}

	msg, err := wire.NewRunAssignment(wire.RunAssignment{
		RunID:      runID.String(),
		TaskID:     taskID.String(),
		AgentName:  task.AgentName,
		InputJSON:  task.InputJSON,
		Labels:     task.Labels,
		IssuedAtMS: wire.NowMS(),
	})
	if err != nil {
		return "", fmt.Errorf("encode assignment: %w", err)
	}

	if err := s.store.ReserveAndSend(workerID, msg); err != nil {
		s.log.WithTaskID(taskID.String()).WithRunID(runID.String()).Warn("assignment send failed",
			zap.String("worker_id", workerID.String()),
			zap.Error(err))
		return runID, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	metrics.RecordRunAssigned(task.AgentName)
	s.log.WithTaskID(taskID.String()).WithRunID(runID.String()).Info("run assigned",
		zap.String("worker_id", workerID.String()),
		zap.String("agent", task.AgentName))

	if s.uiBus != nil {
		s.uiBus.Publish(stream.NewRunStatusChanged(taskID.String(), runID.String(), v1.RunStatusAssigned, "", wire.NowMS()))
		s.uiBus.Publish(stream.NewTaskStatusChanged(taskID.String(), v1.TaskStatusRunning))
	}
	return runID, nil
}

// AssignPending retries assignment for every pending task, oldest first.
// Failures are logged and skipped; the number of placed runs is returned.
func (s *Scheduler) AssignPending(ctx context.Context) int {
	pending := s.store.ListTasks(v1.TaskStatusPending, "", 0)
	assigned := 0

	// ListTasks returns newest first; walk backwards for FIFO placement.
	for i := len(pending) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return assigned
		default:
		}

		task := pending[i]
		if _, err := s.AssignTask(ctx, task.ID); err != nil {
			if errors.Is(err, ErrNoWorkersAvailable) || errors.Is(err, state.ErrTaskNotPending) {
				continue
			}
			s.log.WithTaskID(task.ID.String()).WithError(err).Warn("pending assignment failed")
			continue
		}
		assigned++
	}

	if assigned > 0 {
		s.log.Info("assigned pending tasks", zap.Int("count", assigned))
	}
	return assigned
}

// Start launches the retry loop that re-attempts pending tasks whenever a
// worker connects. It is a no-op when retryOnConnect is disabled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.RetryOnConnect || s.uiBus == nil {
		s.log.Info("scheduler retry on connect disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	notifications := s.uiBus.Subscribe(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notifications:
				if !ok {
					return
				}
				// A fresh worker only becomes schedulable at its first
				// heartbeat (capacity is unknown until then), so heartbeats
				// from accepting workers retry pending tasks too.
				switch n.Kind {
				case stream.KindWorkerConnected:
				case stream.KindWorkerHeartbeat:
					if !n.WorkerStatus.CanAcceptRuns() {
						continue
					}
				default:
					continue
				}
				s.log.Debug("retrying pending tasks",
					zap.String("worker_id", n.WorkerID),
					zap.String("trigger", string(n.Kind)))
				s.AssignPending(ctx)
			}
		}
	}()
	s.log.Info("scheduler started", zap.Bool("retry_on_connect", true))
}

// Stop terminates the retry loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
