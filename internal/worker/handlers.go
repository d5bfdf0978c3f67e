package worker

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	"github.com/taskrun/taskrun/internal/common/logger"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

// Handlers exposes the connected-worker registry on the admin HTTP surface.
type Handlers struct {
	service *Service
	log     *logger.Logger
}

// NewHandlers creates the worker HTTP handlers.
func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{service: service, log: log}
}

// RegisterRoutes mounts the worker routes on the given group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/workers", h.listWorkers)
	rg.GET("/workers/:id", h.getWorker)
}

func (h *Handlers) listWorkers(c *gin.Context) {
	var req v1.ListWorkersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	var status v1.WorkerStatus
	if req.Status != "" {
		status = v1.WorkerStatus(strings.ToUpper(req.Status))
	}

	workers := h.service.ListWorkers(req.Agent, status)
	c.JSON(http.StatusOK, v1.ListWorkersResponse{Workers: workers})
}

func (h *Handlers) getWorker(c *gin.Context) {
	worker, err := h.service.GetWorker(c.Param("id"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, worker)
}
