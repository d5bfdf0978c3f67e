// Package websocket provides the dashboard-facing WebSocket gateway: one
// endpoint carrying request/response actions plus live run and control-plane
// subscriptions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/metrics"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	ws "github.com/taskrun/taskrun/pkg/websocket"
)

// runPump is the hub-side fan-in for one run stream: a single bus
// subscription feeding every client that asked for the run.
type runPump struct {
	ch   <-chan stream.Event
	subs map[*Client]bool
}

// Hub manages all WebSocket client connections and bridges the in-process
// stream buses onto them. A client that stops draining its send buffer is
// unregistered; it never backpressures a run.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Per-run stream subscriptions
	runPumps map[state.RunID]*runPump

	// Clients following the control-plane feed
	uiSubs map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	streamBus  *stream.StreamBus
	uiBus      *stream.UiBus
	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, streamBus *stream.StreamBus, uiBus *stream.UiBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		runPumps:   make(map[state.RunID]*runPump),
		uiSubs:     make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		streamBus:  streamBus,
		uiBus:      uiBus,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop and the control-plane feed.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	go h.uiPump(ctx)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// uiPump forwards the UiBus feed to ui-subscribed clients as ui.event
// notifications. The subscription ends with the context.
func (h *Hub) uiPump(ctx context.Context) {
	notifications := h.uiBus.Subscribe(ctx)
	for n := range notifications {
		msg, err := ws.NewNotification(ws.ActionUIEvent, n)
		if err != nil {
			h.logger.Error("Failed to build ui.event notification", zap.Error(err))
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			h.logger.Error("Failed to marshal ui.event notification", zap.Error(err))
			continue
		}

		var slow []*Client
		h.mu.RLock()
		for client := range h.uiSubs {
			if !client.enqueue(data) {
				slow = append(slow, client)
			}
		}
		h.mu.RUnlock()
		h.dropSlow(slow)
	}
}

// forwardRun forwards one run's stream events to its subscribers as
// run.stream notifications. It exits when the bus closes the channel, either
// after the post-terminal grace or because the last subscriber left.
func (h *Hub) forwardRun(runID state.RunID, ch <-chan stream.Event) {
	for ev := range ch {
		msg, err := ws.NewNotification(ws.ActionRunStreamEvent, ev)
		if err != nil {
			h.logger.Error("Failed to build run.stream notification", zap.Error(err))
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			h.logger.Error("Failed to marshal run.stream notification", zap.Error(err))
			continue
		}

		var slow []*Client
		h.mu.RLock()
		if pump := h.runPumps[runID]; pump != nil && pump.ch == ch {
			for client := range pump.subs {
				if !client.enqueue(data) {
					slow = append(slow, client)
				}
			}
		}
		h.mu.RUnlock()
		h.dropSlow(slow)
	}

	// The bus closed the stream; drop the bookkeeping if it is still ours.
	h.mu.Lock()
	if pump := h.runPumps[runID]; pump != nil && pump.ch == ch {
		for client := range pump.subs {
			delete(client.runSubs, runID)
			metrics.SubscriberDetached()
		}
		delete(h.runPumps, runID)
	}
	h.mu.Unlock()
}

// dropSlow removes clients that could not keep up. Called without the hub
// lock held.
func (h *Hub) dropSlow(slow []*Client) {
	for _, client := range slow {
		h.logger.Warn("Dropping slow WebSocket client", zap.String("client_id", client.ID))
		metrics.RecordSubscriberDropped()
		h.removeClient(client)
	}
}

// closeAllClients closes all client connections. The stream bus shuts down
// with the process, so the per-run channels are not individually released.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.runPumps = make(map[state.RunID]*runPump)
	h.uiSubs = make(map[*Client]bool)
}

// removeClient removes a client from the hub and releases any run streams
// it was the last subscriber of.
func (h *Hub) removeClient(client *Client) {
	type release struct {
		runID state.RunID
		ch    <-chan stream.Event
	}
	var releases []release

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.uiSubs, client)
	for runID := range client.runSubs {
		pump := h.runPumps[runID]
		if pump == nil {
			continue
		}
		delete(pump.subs, client)
		metrics.SubscriberDetached()
		if len(pump.subs) == 0 {
			releases = append(releases, release{runID: runID, ch: pump.ch})
			delete(h.runPumps, runID)
		}
	}
	h.mu.Unlock()

	client.closeSend()
	for _, r := range releases {
		h.streamBus.Unsubscribe(r.runID, r.ch)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeToRun attaches the client to a run's live stream, creating the
// bus subscription on first use.
func (h *Hub) SubscribeToRun(client *Client, runID state.RunID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pump, ok := h.runPumps[runID]
	if !ok {
		pump = &runPump{
			ch:   h.streamBus.Subscribe(runID),
			subs: make(map[*Client]bool),
		}
		h.runPumps[runID] = pump
		go h.forwardRun(runID, pump.ch)
	}
	if !pump.subs[client] {
		pump.subs[client] = true
		client.runSubs[runID] = true
		metrics.SubscriberAttached()
	}

	h.logger.Debug("Client subscribed to run",
		zap.String("client_id", client.ID),
		zap.String("run_id", runID.String()))
}

// UnsubscribeFromRun detaches the client from a run's live stream. The bus
// subscription is released when the last client leaves.
func (h *Hub) UnsubscribeFromRun(client *Client, runID state.RunID) {
	var releaseCh <-chan stream.Event

	h.mu.Lock()
	if client.runSubs[runID] {
		delete(client.runSubs, runID)
		metrics.SubscriberDetached()
	}
	if pump, ok := h.runPumps[runID]; ok {
		delete(pump.subs, client)
		if len(pump.subs) == 0 {
			releaseCh = pump.ch
			delete(h.runPumps, runID)
		}
	}
	h.mu.Unlock()

	if releaseCh != nil {
		h.streamBus.Unsubscribe(runID, releaseCh)
	}
}

// SubscribeUI attaches the client to the control-plane feed.
func (h *Hub) SubscribeUI(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uiSubs[client] = true
	h.logger.Debug("Client subscribed to control-plane feed", zap.String("client_id", client.ID))
}

// UnsubscribeUI detaches the client from the control-plane feed.
func (h *Hub) UnsubscribeUI(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.uiSubs, client)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunSubscriberCount returns the number of clients following a run.
func (h *Hub) RunSubscriberCount(runID state.RunID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if pump, ok := h.runPumps[runID]; ok {
		return len(pump.subs)
	}
	return 0
}

// Dispatcher returns the message dispatcher actions are registered on.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
