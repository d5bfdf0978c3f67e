package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/stream"
	ws "github.com/taskrun/taskrun/pkg/websocket"
)

// Gateway bundles the WebSocket hub, its dispatcher, and the HTTP handler.
// Domain packages register their actions on Dispatcher before the server
// starts accepting connections.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway bridging the given buses.
func NewGateway(streamBus *stream.StreamBus, uiBus *stream.UiBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, streamBus, uiBus, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
