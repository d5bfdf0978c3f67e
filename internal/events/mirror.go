package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/events/bus"
	"github.com/taskrun/taskrun/internal/stream"
)

// Mirror forwards UI notifications onto the event bus. It is the single
// producer for the subjects in this package, so everything the WebSocket UI
// can observe is also visible to bus consumers.
type Mirror struct {
	bus    bus.EventBus
	ui     *stream.UiBus
	logger *logger.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMirror creates a mirror between the UI notification feed and the bus.
func NewMirror(eventBus bus.EventBus, ui *stream.UiBus, log *logger.Logger) *Mirror {
	return &Mirror{
		bus:    eventBus,
		ui:     ui,
		logger: log.WithFields(zap.String("component", "event_mirror")),
	}
}

// Start subscribes to the notification feed and forwards events until the
// context is cancelled or Stop is called.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	notifications := m.ui.Subscribe(ctx)
	go func() {
		defer close(m.done)
		for n := range notifications {
			event := bus.NewEvent(string(n.Kind), "taskrun-controlplane", notificationData(n))
			if err := m.bus.Publish(ctx, subjectFor(n), event); err != nil {
				m.logger.Warn("Failed to mirror notification",
					zap.String("kind", string(n.Kind)),
					zap.Error(err))
			}
		}
	}()

	m.logger.Info("Event mirror started")
}

// Stop ends forwarding and waits for the forwarding goroutine to exit.
func (m *Mirror) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Event mirror stopped")
}

// subjectFor maps a notification to its bus subject. Run-scoped streams are
// suffixed with the run ID so consumers can follow a single run.
func subjectFor(n stream.Notification) string {
	switch n.Kind {
	case stream.KindRunOutputChunk:
		return BuildRunOutputSubject(n.RunID)
	case stream.KindRunEvent:
		return BuildRunEventSubject(n.RunID)
	case stream.KindChatMessage:
		return BuildChatSubject(n.RunID)
	default:
		return string(n.Kind)
	}
}

// notificationData flattens a notification into an event payload.
func notificationData(n stream.Notification) map[string]interface{} {
	data := map[string]interface{}{
		"timestamp_ms": n.TimestampMS,
	}
	if n.WorkerID != "" {
		data["worker_id"] = n.WorkerID
	}
	if n.TaskID != "" {
		data["task_id"] = n.TaskID
	}
	if n.RunID != "" {
		data["run_id"] = n.RunID
	}
	if n.TaskStatus != "" {
		data["task_status"] = string(n.TaskStatus)
	}
	if n.RunStatus != "" {
		data["run_status"] = string(n.RunStatus)
	}
	if n.WorkerStatus != "" {
		data["worker_status"] = string(n.WorkerStatus)
	}
	if n.ErrorMessage != "" {
		data["error_message"] = n.ErrorMessage
	}

	switch n.Kind {
	case stream.KindRunOutputChunk:
		data["seq"] = n.Seq
		data["content"] = n.Content
		data["is_final"] = n.IsFinal
	case stream.KindRunEvent:
		if n.Event != nil {
			data["event_id"] = n.Event.ID
			data["event_type"] = string(n.Event.EventType)
		}
	case stream.KindChatMessage:
		if n.Chat != nil {
			data["role"] = string(n.Chat.Role)
			data["content"] = n.Chat.Content
		}
	}

	return data
}
