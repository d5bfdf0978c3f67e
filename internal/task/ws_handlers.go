package task

import (
	"context"

	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	ws "github.com/taskrun/taskrun/pkg/websocket"
)

// RegisterActions wires the task actions onto the websocket dispatcher so
// dashboard connections can drive the same lifecycle as the HTTP API.
func (h *Handlers) RegisterActions(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionTaskCreate, h.wsCreateTask)
	d.RegisterFunc(ws.ActionTaskGet, h.wsGetTask)
	d.RegisterFunc(ws.ActionTaskList, h.wsListTasks)
	d.RegisterFunc(ws.ActionTaskCancel, h.wsCancelTask)
	d.RegisterFunc(ws.ActionTaskContinue, h.wsContinueTask)
	d.RegisterFunc(ws.ActionTaskCounts, h.wsTaskCounts)
	d.RegisterFunc(ws.ActionRunOutput, h.wsRunOutput)
	d.RegisterFunc(ws.ActionRunEvents, h.wsRunEvents)
	d.RegisterFunc(ws.ActionRunChat, h.wsRunChat)
}

// wsError translates a service error into a websocket error message.
func wsError(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch {
	case apperrors.IsNotFound(err):
		code = ws.ErrorCodeNotFound
	case apperrors.IsInvalidArgument(err):
		code = ws.ErrorCodeBadRequest
	case apperrors.IsFailedPrecondition(err):
		code = ws.ErrorCodeConflict
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}

func (h *Handlers) wsCreateTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateTaskRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	task, err := h.service.Create(ctx, req)
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) wsGetTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	task, err := h.service.Get(ctx, req.TaskID)
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) wsListTasks(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		Status string `json:"status,omitempty"`
		Agent  string `json:"agent,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	tasks, err := h.service.List(ctx, v1.ListTasksRequest{Status: req.Status, Agent: req.Agent, Limit: req.Limit})
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.ListTasksResponse{Tasks: tasks})
}

func (h *Handlers) wsCancelTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	task, err := h.service.Cancel(ctx, req.TaskID)
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task)
}

func (h *Handlers) wsContinueTask(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID  string `json:"task_id"`
		RunID   string `json:"run_id"`
		Message string `json:"message"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}
	if req.Message == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "message is required", nil)
	}

	chat, err := h.service.Continue(ctx, req.TaskID, v1.ContinueTaskRequest{RunID: req.RunID, Message: req.Message})
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, chat)
}

func (h *Handlers) wsTaskCounts(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, h.service.Counts(ctx))
}

func (h *Handlers) wsRunOutput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID string `json:"task_id"`
		RunID  string `json:"run_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	out, err := h.service.Output(ctx, req.TaskID, req.RunID)
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, out)
}

func (h *Handlers) wsRunEvents(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID string `json:"task_id"`
		RunID  string `json:"run_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	events, err := h.service.Events(ctx, req.TaskID, req.RunID)
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.ListRunEventsResponse{Events: events})
}

func (h *Handlers) wsRunChat(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		TaskID string `json:"task_id"`
		RunID  string `json:"run_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}

	msgs, err := h.service.Chat(ctx, req.TaskID, req.RunID)
	if err != nil {
		return wsError(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.ListChatResponse{Messages: msgs})
}
