package worker

import (
	"context"
	"strings"

	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	ws "github.com/taskrun/taskrun/pkg/websocket"
)

// RegisterActions wires the worker registry actions onto the websocket
// dispatcher.
func (h *Handlers) RegisterActions(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionWorkerList, h.wsListWorkers)
	d.RegisterFunc(ws.ActionWorkerGet, h.wsGetWorker)
}

func (h *Handlers) wsListWorkers(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		Agent  string `json:"agent,omitempty"`
		Status string `json:"status,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	var status v1.WorkerStatus
	if req.Status != "" {
		status = v1.WorkerStatus(strings.ToUpper(req.Status))
	}
	workers := h.service.ListWorkers(req.Agent, status)
	return ws.NewResponse(msg.ID, msg.Action, v1.ListWorkersResponse{Workers: workers})
}

func (h *Handlers) wsGetWorker(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	worker, err := h.service.GetWorker(req.WorkerID)
	if err != nil {
		code := ws.ErrorCodeInternalError
		if apperrors.IsNotFound(err) {
			code = ws.ErrorCodeNotFound
		}
		return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, worker)
}
