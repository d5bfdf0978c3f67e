package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Time allowed for the hello frame after the TLS handshake
	helloWait = 10 * time.Second
)

// Session owns one authenticated worker connection. The read pump demuxes
// inbound frames in arrival order; the write pump drains the outbound
// channel the store shares with the scheduler and task service. The session
// ends on any read or write error, a protocol violation, or when the store
// closes the done channel because the registry entry was removed or
// replaced by a reconnect.
type Session struct {
	workerID state.WorkerID // from the client certificate CN
	conn     *websocket.Conn
	service  *Service
	outbound chan *wire.ServerMessage
	done     chan struct{}
	log      *logger.Logger
}

// NewSession wraps an upgraded connection whose peer certificate named the
// given worker id.
func NewSession(workerID string, conn *websocket.Conn, service *Service, log *logger.Logger) *Session {
	return &Session{
		workerID: state.WorkerID(workerID),
		conn:     conn,
		service:  service,
		outbound: make(chan *wire.ServerMessage, state.WorkerOutboundCapacity),
		done:     make(chan struct{}),
		log:      log.WithWorkerID(workerID),
	}
}

// Run drives the session until it ends. It blocks in the caller's goroutine.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()
}

// readPump reads frames, enforces the hello handshake, and dispatches
// messages to the service. Per-run arrival order is preserved because this
// loop is single-threaded.
func (s *Session) readPump() {
	defer func() {
		s.conn.Close()
		s.service.Deregister(s.workerID, s.outbound)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(helloWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	registered := false
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("worker connection read error", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed frame, closing session", zap.Error(err))
			return
		}

		if !registered {
			if err := s.handleHello(&msg); err != nil {
				s.log.Warn("hello rejected, closing session", zap.Error(err))
				return
			}
			registered = true
			continue
		}

		if err := s.dispatch(&msg); err != nil {
			s.log.Warn("closing session", zap.Error(err))
			return
		}
	}
}

// handleHello validates the mandatory first frame and registers the worker.
func (s *Session) handleHello(msg *wire.ClientMessage) error {
	if msg.Type != wire.ClientTypeHello {
		return fmt.Errorf("first frame must be hello, got %q", msg.Type)
	}

	var hello wire.WorkerHello
	if err := msg.ParsePayload(&hello); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}
	if hello.Info == nil {
		return errors.New("hello carries no worker info")
	}
	if hello.Info.WorkerID != s.workerID.String() {
		return fmt.Errorf("hello claims worker %q but certificate names %q",
			hello.Info.WorkerID, s.workerID)
	}

	s.service.Register(*hello.Info, s.outbound, s.done)
	return nil
}

// dispatch routes one post-hello frame. A returned error closes the session;
// per-message problems (unknown run, stale update) are logged and dropped.
func (s *Session) dispatch(msg *wire.ClientMessage) error {
	switch msg.Type {
	case wire.ClientTypeHello:
		return errors.New("duplicate hello")

	case wire.ClientTypeHeartbeat:
		var hb wire.WorkerHeartbeat
		if err := msg.ParsePayload(&hb); err != nil {
			return fmt.Errorf("parse heartbeat: %w", err)
		}
		if hb.WorkerID != s.workerID.String() {
			s.log.Warn("heartbeat for foreign worker ignored",
				zap.String("claimed_worker_id", hb.WorkerID))
			return nil
		}
		if err := s.service.HandleHeartbeat(hb); err != nil {
			s.log.Warn("heartbeat dropped", zap.Error(err))
		}

	case wire.ClientTypeStatusUpdate:
		var su wire.RunStatusUpdate
		if err := msg.ParsePayload(&su); err != nil {
			return fmt.Errorf("parse status update: %w", err)
		}
		if err := s.service.HandleStatusUpdate(su); err != nil {
			s.log.WithRunID(su.RunID).Warn("status update dropped", zap.Error(err))
		}

	case wire.ClientTypeOutputChunk:
		var oc wire.RunOutputChunk
		if err := msg.ParsePayload(&oc); err != nil {
			return fmt.Errorf("parse output chunk: %w", err)
		}
		if err := s.service.HandleOutputChunk(oc); err != nil {
			s.log.WithRunID(oc.RunID).Warn("output chunk dropped", zap.Error(err))
		}

	case wire.ClientTypeEvent:
		var ev wire.RunEvent
		if err := msg.ParsePayload(&ev); err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		if err := s.service.HandleEvent(ev); err != nil {
			s.log.WithRunID(ev.RunID).Warn("event dropped", zap.Error(err))
		}

	case wire.ClientTypeChatMessage:
		var rc wire.RunChatMessage
		if err := msg.ParsePayload(&rc); err != nil {
			return fmt.Errorf("parse chat message: %w", err)
		}
		if err := s.service.HandleChat(rc); err != nil {
			s.log.WithRunID(rc.RunID).Warn("chat message dropped", zap.Error(err))
		}

	default:
		// Unknown frame types are dropped, not fatal, so workers can be
		// upgraded ahead of the control plane.
		s.log.Warn("unknown frame type dropped", zap.String("type", string(msg.Type)))
	}
	return nil
}

// writePump serializes outbound messages onto the connection and keeps the
// websocket alive with pings. Closing done (deregistration or replacement by
// a reconnect) ends the pump; closing the connection unblocks the read pump.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error("failed to marshal outbound frame", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
