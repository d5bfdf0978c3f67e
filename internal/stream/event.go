// Package stream provides the in-process fan-out paths for live run data:
// a per-run StreamBus consumed by API subscribers following a single run,
// and a process-wide UiBus broadcasting control-plane activity to dashboard
// connections. Neither bus ever blocks a producer.
package stream

import (
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

// EventType discriminates per-run stream events
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventOutputChunk  EventType = "output_chunk"
)

// Event is one entry on a run's live stream. Status events carry Status and
// ErrorMessage; chunk events carry Seq, Content, and IsFinal.
type Event struct {
	Type         EventType    `json:"type"`
	RunID        string       `json:"run_id"`
	Status       v1.RunStatus `json:"status,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Seq          uint64       `json:"seq,omitempty"`
	Content      string       `json:"content,omitempty"`
	IsFinal      bool         `json:"is_final,omitempty"`
	TimestampMS  int64        `json:"timestamp_ms"`
}

// NewStatusEvent builds a status transition stream event.
func NewStatusEvent(runID string, status v1.RunStatus, errorMessage string, timestampMS int64) Event {
	return Event{
		Type:         EventStatusUpdate,
		RunID:        runID,
		Status:       status,
		ErrorMessage: errorMessage,
		TimestampMS:  timestampMS,
	}
}

// NewOutputEvent builds an output chunk stream event.
func NewOutputEvent(runID string, seq uint64, content string, isFinal bool, timestampMS int64) Event {
	return Event{
		Type:        EventOutputChunk,
		RunID:       runID,
		Seq:         seq,
		Content:     content,
		IsFinal:     isFinal,
		TimestampMS: timestampMS,
	}
}
