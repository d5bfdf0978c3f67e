package stream

import (
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

// NotificationKind discriminates UI notifications. The values double as
// event subjects when notifications are mirrored onto the event bus.
type NotificationKind string

const (
	KindWorkerConnected    NotificationKind = "worker.connected"
	KindWorkerDisconnected NotificationKind = "worker.disconnected"
	KindWorkerHeartbeat    NotificationKind = "worker.heartbeat"
	KindTaskCreated        NotificationKind = "task.created"
	KindTaskStatusChanged  NotificationKind = "task.status_changed"
	KindRunStatusChanged   NotificationKind = "run.status_changed"
	KindRunOutputChunk     NotificationKind = "run.output_chunk"
	KindRunEvent           NotificationKind = "run.event"
	KindChatMessage        NotificationKind = "run.chat_message"
)

// Notification is one dashboard-facing announcement. Only the fields
// relevant to its kind are set.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	WorkerID     string           `json:"worker_id,omitempty"`
	TaskID       string           `json:"task_id,omitempty"`
	RunID        string           `json:"run_id,omitempty"`
	TaskStatus   v1.TaskStatus    `json:"task_status,omitempty"`
	RunStatus    v1.RunStatus     `json:"run_status,omitempty"`
	WorkerStatus v1.WorkerStatus  `json:"worker_status,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Task         *v1.Task         `json:"task,omitempty"`
	Worker       *v1.Worker       `json:"worker,omitempty"`
	Seq          uint64           `json:"seq,omitempty"`
	Content      string           `json:"content,omitempty"`
	IsFinal      bool             `json:"is_final,omitempty"`
	Event        *v1.RunEvent     `json:"event,omitempty"`
	Chat         *v1.ChatMessage  `json:"chat,omitempty"`
	TimestampMS  int64            `json:"timestamp_ms"`
}

// NewWorkerConnected announces a completed worker hello.
func NewWorkerConnected(worker *v1.Worker) Notification {
	return Notification{
		Kind:         KindWorkerConnected,
		WorkerID:     worker.ID,
		Worker:       worker,
		WorkerStatus: worker.Status,
		TimestampMS:  wire.NowMS(),
	}
}

// NewWorkerDisconnected announces a session teardown.
func NewWorkerDisconnected(workerID string) Notification {
	return Notification{
		Kind:        KindWorkerDisconnected,
		WorkerID:    workerID,
		TimestampMS: wire.NowMS(),
	}
}

// NewWorkerHeartbeat announces a received heartbeat.
func NewWorkerHeartbeat(workerID string, status v1.WorkerStatus, timestampMS int64) Notification {
	return Notification{
		Kind:         KindWorkerHeartbeat,
		WorkerID:     workerID,
		WorkerStatus: status,
		TimestampMS:  timestampMS,
	}
}

// NewTaskCreated announces a freshly submitted task.
func NewTaskCreated(task *v1.Task) Notification {
	return Notification{
		Kind:        KindTaskCreated,
		TaskID:      task.ID,
		TaskStatus:  task.Status,
		Task:        task,
		TimestampMS: wire.NowMS(),
	}
}

// NewTaskStatusChanged announces a task status transition.
func NewTaskStatusChanged(taskID string, status v1.TaskStatus) Notification {
	return Notification{
		Kind:        KindTaskStatusChanged,
		TaskID:      taskID,
		TaskStatus:  status,
		TimestampMS: wire.NowMS(),
	}
}

// NewRunStatusChanged announces a run status transition.
func NewRunStatusChanged(taskID, runID string, status v1.RunStatus, errorMessage string, timestampMS int64) Notification {
	return Notification{
		Kind:         KindRunStatusChanged,
		TaskID:       taskID,
		RunID:        runID,
		RunStatus:    status,
		ErrorMessage: errorMessage,
		TimestampMS:  timestampMS,
	}
}

// NewRunOutputChunk announces buffered run output.
func NewRunOutputChunk(runID string, seq uint64, content string, isFinal bool, timestampMS int64) Notification {
	return Notification{
		Kind:        KindRunOutputChunk,
		RunID:       runID,
		Seq:         seq,
		Content:     content,
		IsFinal:     isFinal,
		TimestampMS: timestampMS,
	}
}

// NewRunEventNotification announces a persisted run event.
func NewRunEventNotification(ev v1.RunEvent) Notification {
	event := ev
	return Notification{
		Kind:        KindRunEvent,
		TaskID:      ev.TaskID,
		RunID:       ev.RunID,
		Event:       &event,
		TimestampMS: ev.TimestampMS,
	}
}

// NewChatNotification announces an appended chat message.
func NewChatNotification(runID string, msg v1.ChatMessage) Notification {
	chat := msg
	return Notification{
		Kind:        KindChatMessage,
		RunID:       runID,
		Chat:        &chat,
		TimestampMS: msg.TimestampMS,
	}
}
