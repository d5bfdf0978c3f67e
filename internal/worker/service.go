// Package worker hosts the mTLS worker endpoint: the listener that
// authenticates connections, the per-connection session pumps, the service
// that applies protocol messages to the state store, and the heartbeat
// reaper that retires silent workers.
package worker

import (
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/metrics"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

// Service applies worker protocol messages to the store and fans the
// resulting events out to the run streams and the UI feed. Sessions call it
// from their read pumps; the admin HTTP surface uses its query methods.
type Service struct {
	store     state.Store
	streamBus *stream.StreamBus
	uiBus     *stream.UiBus
	log       *logger.Logger
}

// NewService creates the worker service.
func NewService(store state.Store, streamBus *stream.StreamBus, uiBus *stream.UiBus, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		streamBus: streamBus,
		uiBus:     uiBus,
		log:       log.WithFields(zap.String("component", "worker-service")),
	}
}

// Register inserts the registry entry for a session that completed its
// hello. Reports whether a previous session was replaced.
func (s *Service) Register(info wire.WorkerInfo, outbound chan *wire.ServerMessage, done chan struct{}) bool {
	apiInfo := toAPIWorkerInfo(info)
	replaced := s.store.RegisterWorker(apiInfo, outbound, done)
	if !replaced {
		metrics.WorkerConnected()
	}

	s.log.WithWorkerID(info.WorkerID).Info("worker registered",
		zap.String("hostname", info.Hostname),
		zap.String("version", info.Version),
		zap.Int("agents", len(info.Agents)),
		zap.Bool("replaced", replaced))

	s.uiBus.Publish(stream.NewWorkerConnected(&v1.Worker{
		ID:       apiInfo.WorkerID,
		Hostname: apiInfo.Hostname,
		Version:  apiInfo.Version,
		Agents:   apiInfo.Agents,
		Labels:   apiInfo.Labels,
		Status:   v1.WorkerStatusIdle,
	}))
	return replaced
}

// Deregister removes the registry entry if it is still owned by the given
// outbound channel. A nil owner removes unconditionally (reaper eviction).
// Reports whether an entry was removed.
func (s *Service) Deregister(id state.WorkerID, owner chan *wire.ServerMessage) bool {
	if !s.store.DeregisterWorker(id, owner) {
		return false
	}
	metrics.WorkerDisconnected()
	s.log.WithWorkerID(id.String()).Info("worker deregistered")
	s.uiBus.Publish(stream.NewWorkerDisconnected(id.String()))
	return true
}

// HandleHeartbeat applies a heartbeat. Unknown workers are an error for the
// caller to log; they are never registered retroactively.
func (s *Service) HandleHeartbeat(hb wire.WorkerHeartbeat) error {
	if !hb.Status.Valid() {
		return fmt.Errorf("invalid worker status %q", hb.Status)
	}

	status := toAPIWorkerStatus(hb.Status)
	if _, err := s.store.ApplyHeartbeat(state.HeartbeatUpdate{
		WorkerID:          state.WorkerID(hb.WorkerID),
		Status:            status,
		ActiveRuns:        hb.ActiveRuns,
		MaxConcurrentRuns: hb.MaxConcurrentRuns,
	}); err != nil {
		return err
	}

	ts := hb.TimestampMS
	if ts == 0 {
		ts = wire.NowMS()
	}
	s.uiBus.Publish(stream.NewWorkerHeartbeat(hb.WorkerID, status, ts))
	return nil
}

// HandleStatusUpdate advances a run. Stale updates are dropped silently;
// unknown runs are an error for the caller to log.
func (s *Service) HandleStatusUpdate(su wire.RunStatusUpdate) error {
	if !su.Status.Valid() {
		return fmt.Errorf("invalid run status %q", su.Status)
	}

	tr, err := s.store.ApplyRunStatus(state.RunStatusChange{
		RunID:        state.RunID(su.RunID),
		Status:       toAPIRunStatus(su.Status),
		ErrorMessage: su.ErrorMessage,
		BackendUsed:  toAPIBackend(su.BackendUsed),
	})
	if err != nil {
		return err
	}
	if tr.Ignored {
		s.log.WithRunID(su.RunID).Debug("stale status update dropped",
			zap.String("status", string(su.Status)))
		return nil
	}

	ts := su.TimestampMS
	if ts == 0 {
		ts = wire.NowMS()
	}

	s.log.WithTaskID(tr.TaskID.String()).WithRunID(su.RunID).Info("run status changed",
		zap.String("status", string(tr.RunStatus)),
		zap.Bool("terminal", tr.Terminal))

	s.streamBus.Publish(state.RunID(su.RunID),
		stream.NewStatusEvent(su.RunID, tr.RunStatus, su.ErrorMessage, ts))
	s.uiBus.Publish(stream.NewRunStatusChanged(
		tr.TaskID.String(), su.RunID, tr.RunStatus, su.ErrorMessage, ts))
	if tr.TaskChanged {
		s.uiBus.Publish(stream.NewTaskStatusChanged(tr.TaskID.String(), tr.TaskStatus))
	}

	if tr.Terminal {
		metrics.RecordRunTerminal(string(su.Status))
		s.streamBus.ScheduleRemove(state.RunID(su.RunID))
	}
	return nil
}

// HandleOutputChunk buffers run output and fans it out.
func (s *Service) HandleOutputChunk(oc wire.RunOutputChunk) error {
	if err := s.store.AppendOutput(state.RunID(oc.RunID), oc.Content); err != nil {
		return err
	}

	ts := oc.TimestampMS
	if ts == 0 {
		ts = wire.NowMS()
	}
	s.streamBus.Publish(state.RunID(oc.RunID),
		stream.NewOutputEvent(oc.RunID, oc.Seq, oc.Content, oc.IsFinal, ts))
	s.uiBus.Publish(stream.NewRunOutputChunk(oc.RunID, oc.Seq, oc.Content, oc.IsFinal, ts))
	return nil
}

// HandleEvent validates and persists an execution event.
func (s *Service) HandleEvent(ev wire.RunEvent) error {
	if !ev.EventType.Valid() {
		return fmt.Errorf("unknown event type %q", ev.EventType)
	}

	apiEvent := toAPIRunEvent(ev)
	if apiEvent.TimestampMS == 0 {
		apiEvent.TimestampMS = wire.NowMS()
	}
	if err := s.store.AppendEvent(apiEvent); err != nil {
		return err
	}
	s.uiBus.Publish(stream.NewRunEventNotification(apiEvent))
	return nil
}

// HandleChat appends a conversational turn to the run's history.
func (s *Service) HandleChat(rc wire.RunChatMessage) error {
	if !rc.Message.Role.Valid() {
		return fmt.Errorf("invalid chat role %q", rc.Message.Role)
	}

	msg := toAPIChatMessage(rc.Message)
	if msg.TimestampMS == 0 {
		msg.TimestampMS = wire.NowMS()
	}
	if err := s.store.AppendChat(state.RunID(rc.RunID), msg); err != nil {
		return err
	}
	s.uiBus.Publish(stream.NewChatNotification(rc.RunID, msg))
	return nil
}

// GetWorker returns the admin view of one connected worker.
func (s *Service) GetWorker(id string) (*v1.Worker, error) {
	snap, err := s.store.GetWorker(state.WorkerID(id))
	if err != nil {
		return nil, apperrors.NotFound("worker", id)
	}
	return snap.ToAPI(), nil
}

// ListWorkers returns the admin view of connected workers, filtered by
// agent name and status when nonempty.
func (s *Service) ListWorkers(agent string, status v1.WorkerStatus) []v1.Worker {
	snaps := s.store.ListWorkers(agent, status)
	out := make([]v1.Worker, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, *snap.ToAPI())
	}
	return out
}
