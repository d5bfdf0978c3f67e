package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task actions
	ActionTaskList     = "task.list"
	ActionTaskCreate   = "task.create"
	ActionTaskGet      = "task.get"
	ActionTaskCancel   = "task.cancel"
	ActionTaskContinue = "task.continue"
	ActionTaskCounts   = "task.counts"

	// Worker actions
	ActionWorkerList = "worker.list"
	ActionWorkerGet  = "worker.get"

	// Run stream subscriptions
	ActionRunSubscribe   = "run.subscribe"
	ActionRunUnsubscribe = "run.unsubscribe"
	ActionRunEvents      = "run.events"
	ActionRunChat        = "run.chat"
	ActionRunOutput      = "run.output"

	// UI feed subscriptions
	ActionUISubscribe   = "ui.subscribe"
	ActionUIUnsubscribe = "ui.unsubscribe"

	// Notification actions (server -> client)
	ActionRunStreamEvent = "run.stream"
	ActionUIEvent        = "ui.event"
	ActionTaskUpdated    = "task.updated"
	ActionWorkerUpdated  = "worker.updated"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeUnavailable   = "UNAVAILABLE"
)
