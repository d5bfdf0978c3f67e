package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/internal/common/config"
	apperrors "github.com/taskrun/taskrun/internal/common/errors"
	"github.com/taskrun/taskrun/internal/common/logger"
	sched "github.com/taskrun/taskrun/internal/scheduler"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

type testEnv struct {
	service   *Service
	store     *state.MemoryStore
	streamBus *stream.StreamBus
	uiBus     *stream.UiBus
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Default()
	store := state.NewMemoryStore()
	streamBus := stream.NewStreamBus(32, 50*time.Millisecond, log)
	uiBus := stream.NewUiBus(256, log)
	t.Cleanup(streamBus.Close)
	t.Cleanup(uiBus.Close)
	scheduler := sched.New(store, uiBus, config.SchedulerConfig{}, log)
	return &testEnv{
		service:   NewService(store, scheduler, streamBus, uiBus, log),
		store:     store,
		streamBus: streamBus,
		uiBus:     uiBus,
	}
}

func connectWorker(t *testing.T, store *state.MemoryStore, id, agent string, maxRuns uint32) chan *wire.ServerMessage {
	t.Helper()
	outbound := make(chan *wire.ServerMessage, state.WorkerOutboundCapacity)
	store.RegisterWorker(v1.WorkerInfo{
		WorkerID: id,
		Hostname: "host-" + id,
		Agents:   []v1.AgentSpec{{Name: agent}},
	}, outbound, make(chan struct{}))
	_, err := store.ApplyHeartbeat(state.HeartbeatUpdate{
		WorkerID:          state.WorkerID(id),
		Status:            v1.WorkerStatusIdle,
		MaxConcurrentRuns: maxRuns,
	})
	require.NoError(t, err)
	return outbound
}

func TestService_CreateAssignsWhenWorkerAvailable(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 2)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{
		AgentName: "dev-agent",
		InputJSON: `{"prompt":"hi"}`,
		CreatedBy: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, v1.TaskStatusRunning, task.Status)
	require.Len(t, task.Runs, 1)
	assert.Equal(t, "w1", task.Runs[0].WorkerID)
	assert.Equal(t, v1.RunStatusAssigned, task.Runs[0].Status)

	select {
	case msg := <-outbound:
		require.Equal(t, wire.ServerTypeAssignRun, msg.Type)
		var assignment wire.RunAssignment
		require.NoError(t, msg.ParsePayload(&assignment))
		assert.Equal(t, task.ID, assignment.TaskID)
		assert.Equal(t, task.Runs[0].RunID, assignment.RunID)
		assert.Equal(t, `{"prompt":"hi"}`, assignment.InputJSON)
	default:
		t.Fatal("expected an assign_run frame on the worker outbound")
	}
}

func TestService_CreateStaysPendingWithoutWorkers(t *testing.T) {
	env := newTestService(t)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{
		AgentName: "dev-agent",
		CreatedBy: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, v1.TaskStatusPending, task.Status)
	assert.Empty(t, task.Runs)
}

func TestService_CreateRequiresAgentName(t *testing.T) {
	env := newTestService(t)

	_, err := env.service.Create(context.Background(), v1.CreateTaskRequest{CreatedBy: "alice"})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestService_CreatePublishesTaskCreated(t *testing.T) {
	env := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifications := env.uiBus.Subscribe(ctx)

	_, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)

	select {
	case n := <-notifications:
		assert.Equal(t, stream.KindTaskCreated, n.Kind)
		require.NotNil(t, n.Task)
		assert.Equal(t, "dev-agent", n.Task.AgentName)
	case <-time.After(time.Second):
		t.Fatal("expected a task.created notification")
	}
}

func TestService_GetUnknownTask(t *testing.T) {
	env := newTestService(t)

	_, err := env.service.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestService_ListFiltersAndValidates(t *testing.T) {
	env := newTestService(t)
	_, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "agent-a"})
	require.NoError(t, err)
	_, err = env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "agent-b"})
	require.NoError(t, err)

	tasks, err := env.service.List(context.Background(), v1.ListTasksRequest{Agent: "agent-a"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "agent-a", tasks[0].AgentName)

	tasks, err = env.service.List(context.Background(), v1.ListTasksRequest{Status: "PENDING"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = env.service.List(context.Background(), v1.ListTasksRequest{Status: "BOGUS"})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestService_CancelDeliversCancelRun(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	require.Len(t, task.Runs, 1)
	<-outbound // drain the assignment

	events := env.streamBus.Subscribe(state.RunID(task.Runs[0].RunID))

	cancelled, err := env.service.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, v1.RunStatusCancelled, cancelled.Runs[0].Status)

	select {
	case msg := <-outbound:
		require.Equal(t, wire.ServerTypeCancelRun, msg.Type)
		var cr wire.CancelRun
		require.NoError(t, msg.ParsePayload(&cr))
		assert.Equal(t, task.Runs[0].RunID, cr.RunID)
	default:
		t.Fatal("expected a cancel_run frame on the worker outbound")
	}

	select {
	case ev := <-events:
		assert.Equal(t, stream.EventStatusUpdate, ev.Type)
		assert.Equal(t, v1.RunStatusCancelled, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a CANCELLED stream event")
	}
}

func TestService_CancelIsNotIdempotent(t *testing.T) {
	env := newTestService(t)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)

	_, err = env.service.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	_, err = env.service.Cancel(context.Background(), task.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsFailedPrecondition(err))

	_, err = env.service.Cancel(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestService_CancelSurvivesDisconnectedWorker(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	<-outbound
	require.True(t, env.store.DeregisterWorker("w1", outbound))

	cancelled, err := env.service.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, cancelled.Status)
}

func TestService_ContinueForwardsTurn(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	require.Len(t, task.Runs, 1)
	runID := task.Runs[0].RunID
	<-outbound

	chat, err := env.service.Continue(context.Background(), task.ID, v1.ContinueTaskRequest{
		RunID:   runID,
		Message: "also add tests",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ChatRoleUser, chat.Role)

	select {
	case msg := <-outbound:
		require.Equal(t, wire.ServerTypeContinueRun, msg.Type)
		var cont wire.ContinueRun
		require.NoError(t, msg.ParsePayload(&cont))
		assert.Equal(t, runID, cont.RunID)
		assert.Equal(t, "also add tests", cont.Message)
	default:
		t.Fatal("expected a continue_run frame on the worker outbound")
	}

	history, err := env.store.ListChat(state.RunID(runID))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "also add tests", history[0].Content)
}

func TestService_ContinueRejectsInactiveRun(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	runID := task.Runs[0].RunID
	<-outbound

	_, err = env.service.Continue(context.Background(), task.ID, v1.ContinueTaskRequest{RunID: "nope", Message: "x"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = env.service.Continue(context.Background(), "nope", v1.ContinueTaskRequest{RunID: runID, Message: "x"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = env.store.ApplyRunStatus(state.RunStatusChange{RunID: state.RunID(runID), Status: v1.RunStatusCompleted})
	require.NoError(t, err)
	_, err = env.service.Continue(context.Background(), task.ID, v1.ContinueTaskRequest{RunID: runID, Message: "x"})
	assert.True(t, apperrors.IsFailedPrecondition(err))
}

func TestService_ContinueRequiresConnectedWorker(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 1)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	runID := task.Runs[0].RunID
	<-outbound
	require.True(t, env.store.DeregisterWorker("w1", outbound))

	_, err = env.service.Continue(context.Background(), task.ID, v1.ContinueTaskRequest{RunID: runID, Message: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsFailedPrecondition(err))
}

func TestService_RunReadSideScopedToTask(t *testing.T) {
	env := newTestService(t)
	outbound := connectWorker(t, env.store, "w1", "dev-agent", 2)

	task, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)
	runID := task.Runs[0].RunID
	<-outbound

	other, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "dev-agent"})
	require.NoError(t, err)

	require.NoError(t, env.store.AppendOutput(state.RunID(runID), "partial output"))

	out, err := env.service.Output(context.Background(), task.ID, runID)
	require.NoError(t, err)
	assert.Equal(t, "partial output", out.Content)

	// The same run read through the wrong task 404s.
	_, err = env.service.Output(context.Background(), other.ID, runID)
	assert.True(t, apperrors.IsNotFound(err))

	events, err := env.service.Events(context.Background(), task.ID, runID)
	require.NoError(t, err)
	assert.Empty(t, events)

	msgs, err := env.service.Chat(context.Background(), task.ID, runID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestService_Status(t *testing.T) {
	env := newTestService(t)
	connectWorker(t, env.store, "w1", "dev-agent", 1)

	_, err := env.service.Create(context.Background(), v1.CreateTaskRequest{AgentName: "other-agent"})
	require.NoError(t, err)

	status := env.service.Status(context.Background())
	assert.Equal(t, 1, status.ConnectedWorkers)
	assert.Equal(t, 1, status.TasksByStatus[v1.TaskStatusPending])
	assert.NotEmpty(t, status.Uptime)
}
