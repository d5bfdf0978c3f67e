// Package workerclient implements the worker side of the control-plane
// session protocol: the mTLS websocket dial, the mandatory hello frame, a
// background heartbeat loop, and typed helpers for the frames a worker
// emits. cmd/mock-worker and the integration tests build on it.
package workerclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Read deadline window; the server pings well inside it
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Time allowed for the dial and websocket handshake
	handshakeTimeout = 10 * time.Second

	defaultHeartbeatInterval = 15 * time.Second

	sessionPath = "/v1/session"
)

// ErrNotConnected is returned by send helpers before Connect or after the
// session ended.
var ErrNotConnected = errors.New("workerclient: not connected")

// Config describes how to reach the control plane and who the worker is.
// The certificate CN must name the same worker as Info.WorkerID; the server
// closes sessions whose hello disagrees with the certificate.
type Config struct {
	// ServerURL is the worker listener base URL, e.g. "wss://host:8443".
	// The session path is appended when the URL carries none.
	ServerURL string

	// Client certificate and the CA bundle that signed the server
	// certificate. Required for wss URLs unless TLS is set.
	CertFile string
	KeyFile  string
	CAFile   string

	// TLS overrides the file-based TLS configuration when set.
	TLS *tls.Config

	// Info is sent in the hello frame.
	Info wire.WorkerInfo

	HeartbeatInterval time.Duration
	MaxConcurrentRuns uint32

	Logger *logger.Logger
}

// Handlers are the callbacks invoked for server-initiated frames. All are
// optional. They run on the session's read goroutine, so a handler that
// blocks stalls the whole session; hand off long work to another goroutine.
type Handlers struct {
	OnAssign   func(wire.RunAssignment)
	OnCancel   func(wire.CancelRun)
	OnContinue func(wire.ContinueRun)
	OnAck      func(wire.Ack)
}

// Client is one worker session. It is single-use: after Close or a session
// teardown, build a new Client to reconnect.
type Client struct {
	cfg      Config
	handlers Handlers
	log      *logger.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	loadMu     sync.Mutex
	status     wire.WorkerStatus
	activeRuns uint32

	done      chan struct{}
	closeOnce sync.Once
}

// New validates the configuration and builds a disconnected client.
func New(cfg Config, handlers Handlers) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("workerclient: ServerURL is required")
	}
	if cfg.Info.WorkerID == "" {
		return nil, errors.New("workerclient: Info.WorkerID is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		log: log.WithFields(
			zap.String("component", "workerclient"),
			zap.String("worker_id", cfg.Info.WorkerID)),
		status: wire.WorkerIdle,
		done:   make(chan struct{}),
	}, nil
}

// sessionURL normalizes the server URL, appending the session path when the
// caller gave only a host.
func sessionURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = sessionPath
	}
	return u, nil
}

// tlsClientConfig builds the mutual TLS configuration from the configured
// files, or returns the explicit override.
func (c *Client) tlsClientConfig() (*tls.Config, error) {
	if c.cfg.TLS != nil {
		return c.cfg.TLS.Clone(), nil
	}
	if c.cfg.CertFile == "" || c.cfg.KeyFile == "" || c.cfg.CAFile == "" {
		return nil, errors.New("workerclient: wss requires CertFile, KeyFile, and CAFile")
	}
	cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(c.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", c.cfg.CAFile)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// Connect dials the listener, sends the hello, and starts the read and
// heartbeat loops. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}

	target, err := sessionURL(c.cfg.ServerURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if target.Scheme == "wss" {
		tlsCfg, err := c.tlsClientConfig()
		if err != nil {
			return err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	hello, err := wire.NewWorkerHello(c.cfg.Info)
	if err == nil {
		err = c.write(conn, hello)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.conn = conn
	c.connected = true
	go c.readLoop(conn)
	go c.heartbeatLoop()

	c.log.Info("session established", zap.String("url", target.String()))
	return nil
}

// Close ends the session. Safe to call more than once.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker closing"),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsConnected reports whether the session is live.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// SetLoad records the status and run count carried by subsequent heartbeats
// and pushes one immediately so the control plane sees load changes without
// waiting out the interval.
func (c *Client) SetLoad(status wire.WorkerStatus, activeRuns uint32) error {
	if !status.Valid() {
		return fmt.Errorf("invalid worker status %q", status)
	}
	c.loadMu.Lock()
	c.status = status
	c.activeRuns = activeRuns
	c.loadMu.Unlock()
	return c.sendHeartbeat()
}

// SendStatusUpdate reports a run lifecycle transition.
func (c *Client) SendStatusUpdate(runID string, status wire.RunStatus, errorMessage string, backend *wire.ModelBackend) error {
	msg, err := wire.NewRunStatusUpdate(wire.RunStatusUpdate{
		RunID:        runID,
		Status:       status,
		ErrorMessage: errorMessage,
		BackendUsed:  backend,
		TimestampMS:  wire.NowMS(),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(msg)
}

// SendOutputChunk streams a slice of run output.
func (c *Client) SendOutputChunk(runID string, seq uint64, content string, isFinal bool) error {
	msg, err := wire.NewRunOutputChunk(wire.RunOutputChunk{
		RunID:       runID,
		Seq:         seq,
		Content:     content,
		IsFinal:     isFinal,
		TimestampMS: wire.NowMS(),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(msg)
}

// SendEvent appends an execution event to the run's log.
func (c *Client) SendEvent(runID, taskID string, eventType wire.RunEventType, metadata map[string]string) error {
	msg, err := wire.NewRunEvent(wire.RunEvent{
		ID:          uuid.New().String(),
		RunID:       runID,
		TaskID:      taskID,
		EventType:   eventType,
		TimestampMS: wire.NowMS(),
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	return c.writeFrame(msg)
}

// SendChat appends a conversational turn to the run's history.
func (c *Client) SendChat(runID string, role wire.ChatRole, content string) error {
	msg, err := wire.NewRunChatMessage(runID, wire.ChatMessage{
		Role:        role,
		Content:     content,
		TimestampMS: wire.NowMS(),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(msg)
}

func (c *Client) sendHeartbeat() error {
	c.loadMu.Lock()
	hb := wire.WorkerHeartbeat{
		WorkerID:          c.cfg.Info.WorkerID,
		Status:            c.status,
		ActiveRuns:        c.activeRuns,
		MaxConcurrentRuns: c.cfg.MaxConcurrentRuns,
		TimestampMS:       wire.NowMS(),
	}
	c.loadMu.Unlock()

	msg, err := wire.NewWorkerHeartbeat(hb)
	if err != nil {
		return err
	}
	return c.writeFrame(msg)
}

// writeFrame sends one envelope on the live connection.
func (c *Client) writeFrame(msg *wire.ClientMessage) error {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn *websocket.Conn, msg *wire.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readLoop reads server frames until the connection dies. Handler callbacks
// run here, preserving per-run delivery order.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.teardown(conn)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("session read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wire.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		c.dispatch(&msg)
	}
}

// dispatch routes one server frame to its handler. Unknown types are dropped
// so the control plane can be upgraded ahead of workers.
func (c *Client) dispatch(msg *wire.ServerMessage) {
	switch msg.Type {
	case wire.ServerTypeAssignRun:
		var a wire.RunAssignment
		if err := msg.ParsePayload(&a); err != nil {
			c.log.Warn("bad assignment payload", zap.Error(err))
			return
		}
		if c.handlers.OnAssign != nil {
			c.handlers.OnAssign(a)
		}

	case wire.ServerTypeCancelRun:
		var cr wire.CancelRun
		if err := msg.ParsePayload(&cr); err != nil {
			c.log.Warn("bad cancel payload", zap.Error(err))
			return
		}
		if c.handlers.OnCancel != nil {
			c.handlers.OnCancel(cr)
		}

	case wire.ServerTypeContinueRun:
		var cont wire.ContinueRun
		if err := msg.ParsePayload(&cont); err != nil {
			c.log.Warn("bad continue payload", zap.Error(err))
			return
		}
		if c.handlers.OnContinue != nil {
			c.handlers.OnContinue(cont)
		}

	case wire.ServerTypeAck:
		var ack wire.Ack
		if err := msg.ParsePayload(&ack); err != nil {
			c.log.Warn("bad ack payload", zap.Error(err))
			return
		}
		if c.handlers.OnAck != nil {
			c.handlers.OnAck(ack)
		}

	default:
		c.log.Debug("unknown frame type dropped", zap.String("type", string(msg.Type)))
	}
}

// heartbeatLoop pushes load reports until the session ends.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.log.Warn("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.connMu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	c.log.Info("session ended")
}
