package task

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/state"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

func newTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestService(t)
	handlers := NewHandlers(env.service, logger.Default())
	router := gin.New()
	handlers.RegisterRoutes(router.Group("/api/v1"))
	return router, env
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_CreateTask(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.CreateTaskRequest{
		AgentName: "dev-agent",
		InputJSON: `{"prompt":"hi"}`,
		CreatedBy: "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var task v1.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, v1.TaskStatusPending, task.Status)
}

func TestHandlers_CreateTaskRejectsMissingAgent(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{"created_by": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
}

func TestHandlers_GetTask(t *testing.T) {
	router, env := newTestRouter(t)
	created, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var task v1.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, created.ID, task.ID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ListTasks(t *testing.T) {
	router, env := newTestRouter(t)
	_, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "agent-a"})
	require.NoError(t, err)
	_, err = env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "agent-b"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks?agent=agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.ListTasksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "agent-a", resp.Tasks[0].AgentName)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_CancelTask(t *testing.T) {
	router, env := newTestRouter(t)
	created, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var task v1.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, v1.TaskStatusCancelled, task.Status)

	// The second cancel reports the precondition.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ContinueTask(t *testing.T) {
	router, env := newTestRouter(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	created, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	require.Len(t, created.Runs, 1)
	<-outbound

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/continue", v1.ContinueTaskRequest{
		RunID:   created.Runs[0].RunID,
		Message: "keep going",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case msg := <-outbound:
		assert.Equal(t, wire.ServerTypeContinueRun, msg.Type)
	default:
		t.Fatal("expected a continue_run frame on the worker outbound")
	}

	// Missing fields fail request binding.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.ID+"/continue", map[string]string{"run_id": created.Runs[0].RunID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_RunReadSide(t *testing.T) {
	router, env := newTestRouter(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	created, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	runID := created.Runs[0].RunID
	<-outbound

	require.NoError(t, env.store.AppendOutput(state.RunID(runID), "chunk"))

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/runs/"+runID+"/output", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out v1.RunOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "chunk", out.Content)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/runs/"+runID+"/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/runs/"+runID+"/chat", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/runs/nope/output", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_Status(t *testing.T) {
	router, env := newTestRouter(t)
	connectWorker(t, env.store, "w1", "dev-agent", 1)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status v1.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.ConnectedWorkers)
}
