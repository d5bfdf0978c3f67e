// Package wire defines the message envelope and payload types carried on the
// authenticated bidirectional stream between the control plane and workers.
// Every frame is one envelope: a type discriminator plus a raw JSON payload.
package wire

import (
	"encoding/json"
	"time"
)

// ClientMessageType discriminates worker-to-server payloads
type ClientMessageType string

const (
	ClientTypeHello        ClientMessageType = "hello"
	ClientTypeHeartbeat    ClientMessageType = "heartbeat"
	ClientTypeStatusUpdate ClientMessageType = "status_update"
	ClientTypeOutputChunk  ClientMessageType = "output_chunk"
	ClientTypeEvent        ClientMessageType = "event"
	ClientTypeChatMessage  ClientMessageType = "chat_message"
)

// ServerMessageType discriminates server-to-worker payloads
type ServerMessageType string

const (
	ServerTypeAssignRun   ServerMessageType = "assign_run"
	ServerTypeCancelRun   ServerMessageType = "cancel_run"
	ServerTypeContinueRun ServerMessageType = "continue_run"
	ServerTypeAck         ServerMessageType = "ack"
)

// ClientMessage is the envelope for worker-to-server frames
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// ServerMessage is the envelope for server-to-worker frames
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// ParsePayload parses the payload into the given struct
func (m *ClientMessage) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ParsePayload parses the payload into the given struct
func (m *ServerMessage) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func newClientMessage(t ClientMessageType, payload interface{}) (*ClientMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ClientMessage{Type: t, Payload: data}, nil
}

func newServerMessage(t ServerMessageType, payload interface{}) (*ServerMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ServerMessage{Type: t, Payload: data}, nil
}

// NewWorkerHello creates the hello frame a worker sends first.
func NewWorkerHello(info WorkerInfo) (*ClientMessage, error) {
	return newClientMessage(ClientTypeHello, WorkerHello{Info: &info})
}

// NewWorkerHeartbeat creates a heartbeat frame.
func NewWorkerHeartbeat(hb WorkerHeartbeat) (*ClientMessage, error) {
	return newClientMessage(ClientTypeHeartbeat, hb)
}

// NewRunStatusUpdate creates a run status transition frame.
func NewRunStatusUpdate(su RunStatusUpdate) (*ClientMessage, error) {
	return newClientMessage(ClientTypeStatusUpdate, su)
}

// NewRunOutputChunk creates an output chunk frame.
func NewRunOutputChunk(oc RunOutputChunk) (*ClientMessage, error) {
	return newClientMessage(ClientTypeOutputChunk, oc)
}

// NewRunEvent creates an execution event frame.
func NewRunEvent(ev RunEvent) (*ClientMessage, error) {
	return newClientMessage(ClientTypeEvent, ev)
}

// NewRunChatMessage creates a chat message frame.
func NewRunChatMessage(runID string, msg ChatMessage) (*ClientMessage, error) {
	return newClientMessage(ClientTypeChatMessage, RunChatMessage{RunID: runID, Message: msg})
}

// NewRunAssignment creates the frame instructing a worker to begin a run.
func NewRunAssignment(a RunAssignment) (*ServerMessage, error) {
	return newServerMessage(ServerTypeAssignRun, a)
}

// NewCancelRun creates a cancellation request frame.
func NewCancelRun(runID, reason string) (*ServerMessage, error) {
	return newServerMessage(ServerTypeCancelRun, CancelRun{RunID: runID, Reason: reason})
}

// NewContinueRun creates a follow-up prompt frame for an in-session run.
func NewContinueRun(runID, message string) (*ServerMessage, error) {
	return newServerMessage(ServerTypeContinueRun, ContinueRun{RunID: runID, Message: message})
}

// NewAck creates an acknowledgement frame.
func NewAck(ackType AckType, refID string) (*ServerMessage, error) {
	return newServerMessage(ServerTypeAck, Ack{AckType: ackType, RefID: refID})
}

// NowMS returns the current UTC time in epoch milliseconds, the timestamp
// unit used on the wire.
func NowMS() int64 {
	return time.Now().UTC().UnixMilli()
}
