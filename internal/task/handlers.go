package task

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	"github.com/taskrun/taskrun/internal/common/logger"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

// Handlers exposes the task lifecycle on the admin HTTP surface.
type Handlers struct {
	service *Service
	log     *logger.Logger
}

// NewHandlers creates the task HTTP handlers.
func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{service: service, log: log}
}

// RegisterRoutes mounts the task and run read-side routes on the given group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/tasks", h.createTask)
	rg.GET("/tasks", h.listTasks)
	rg.GET("/tasks/:id", h.getTask)
	rg.POST("/tasks/:id/cancel", h.cancelTask)
	rg.POST("/tasks/:id/continue", h.continueTask)
	rg.GET("/tasks/:id/runs/:runID/output", h.runOutput)
	rg.GET("/tasks/:id/runs/:runID/events", h.runEvents)
	rg.GET("/tasks/:id/runs/:runID/chat", h.runChat)
	rg.GET("/status", h.status)
}

func (h *Handlers) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	task, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handlers) listTasks(c *gin.Context) {
	var req v1.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	tasks, err := h.service.List(c.Request.Context(), req)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: tasks})
}

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) cancelTask(c *gin.Context) {
	task, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) continueTask(c *gin.Context) {
	var req v1.ContinueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	chat, err := h.service.Continue(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, chat)
}

func (h *Handlers) runOutput(c *gin.Context) {
	out, err := h.service.Output(c.Request.Context(), c.Param("id"), c.Param("runID"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) runEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"), c.Param("runID"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.ListRunEventsResponse{Events: events})
}

func (h *Handlers) runChat(c *gin.Context) {
	msgs, err := h.service.Chat(c.Request.Context(), c.Param("id"), c.Param("runID"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.ListChatResponse{Messages: msgs})
}

func (h *Handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status(c.Request.Context()))
}
