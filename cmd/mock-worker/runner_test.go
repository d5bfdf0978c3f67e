package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/pkg/wire"
)

type load struct {
	status wire.WorkerStatus
	active uint32
}

// fakeSender records everything the runner emits.
type fakeSender struct {
	mu       sync.Mutex
	statuses []wire.RunStatusUpdate
	chunks   []wire.RunOutputChunk
	events   []wire.RunEventType
	chats    []string
	loads    []load
}

func (f *fakeSender) SetLoad(status wire.WorkerStatus, activeRuns uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, load{status, activeRuns})
	return nil
}

func (f *fakeSender) SendStatusUpdate(runID string, status wire.RunStatus, errorMessage string, backend *wire.ModelBackend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, wire.RunStatusUpdate{RunID: runID, Status: status, ErrorMessage: errorMessage, BackendUsed: backend})
	return nil
}

func (f *fakeSender) SendOutputChunk(runID string, seq uint64, content string, isFinal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, wire.RunOutputChunk{RunID: runID, Seq: seq, Content: content, IsFinal: isFinal})
	return nil
}

func (f *fakeSender) SendEvent(runID, taskID string, eventType wire.RunEventType, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeSender) SendChat(runID string, role wire.ChatRole, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, content)
	return nil
}

// lastStatus returns the most recent status update, if any.
func (f *fakeSender) lastStatus() (wire.RunStatusUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return wire.RunStatusUpdate{}, false
	}
	return f.statuses[len(f.statuses)-1], true
}

func (f *fakeSender) waitTerminal(t *testing.T) wire.RunStatusUpdate {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if su, ok := f.lastStatus(); ok && su.Status.IsTerminal() {
			return su
		}
		select {
		case <-deadline:
			t.Fatal("run never reached a terminal status")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// waitIdle blocks until the runner reported zero active runs, which happens
// after the terminal status update.
func (f *fakeSender) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.loads)
		idle := n > 0 && f.loads[n-1] == load{wire.WorkerIdle, 0}
		f.mu.Unlock()
		if idle {
			return
		}
		select {
		case <-deadline:
			t.Fatal("runner never reported idle")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newTestRunner(scenario string) (*runner, *fakeSender) {
	f := &fakeSender{}
	r := newRunner(scenario, logger.Default())
	r.client = f
	return r, f
}

func TestRunner_HappyScenario(t *testing.T) {
	r, f := newTestRunner("happy")

	r.handleAssign(wire.RunAssignment{RunID: "r1", TaskID: "t1", AgentName: "echo"})
	su := f.waitTerminal(t)
	assert.Equal(t, wire.RunCompleted, su.Status)
	require.NotNil(t, su.BackendUsed)
	assert.Equal(t, "mock", su.BackendUsed.Provider)
	f.waitIdle(t)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.chunks)
	assert.True(t, f.chunks[len(f.chunks)-1].IsFinal)
	assert.Equal(t, wire.RunRunning, f.statuses[0].Status)
	assert.Contains(t, f.events, wire.EventExecutionStarted)
	assert.Contains(t, f.events, wire.EventToolRequested)
	assert.Contains(t, f.events, wire.EventToolCompleted)
	assert.Contains(t, f.events, wire.EventExecutionCompleted)
	assert.Contains(t, f.chats, "run complete")

	// Busy while running, idle after.
	require.GreaterOrEqual(t, len(f.loads), 2)
	assert.Equal(t, load{wire.WorkerBusy, 1}, f.loads[0])
	assert.Equal(t, load{wire.WorkerIdle, 0}, f.loads[len(f.loads)-1])
}

func TestRunner_ScenarioLabelOverride(t *testing.T) {
	r, f := newTestRunner("happy")

	r.handleAssign(wire.RunAssignment{
		RunID: "r1", TaskID: "t1", AgentName: "echo",
		Labels: map[string]string{"scenario": "fail"},
	})
	su := f.waitTerminal(t)
	assert.Equal(t, wire.RunFailed, su.Status)
	assert.Equal(t, "simulated failure", su.ErrorMessage)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.events, wire.EventExecutionFailed)
}

func TestRunner_CancelMidRun(t *testing.T) {
	r, f := newTestRunner("slow")

	r.handleAssign(wire.RunAssignment{RunID: "r1", TaskID: "t1", AgentName: "echo"})

	// Wait for the running report, then cancel between steps.
	deadline := time.After(2 * time.Second)
	for {
		if su, ok := f.lastStatus(); ok && su.Status == wire.RunRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never reported running")
		case <-time.After(5 * time.Millisecond):
		}
	}
	r.handleCancel(wire.CancelRun{RunID: "r1", Reason: "test"})

	su := f.waitTerminal(t)
	assert.Equal(t, wire.RunCancelled, su.Status)

	// Cancelling an already-finished run is a no-op.
	r.handleCancel(wire.CancelRun{RunID: "r1"})
}

func TestRunner_ContinueAnswersOnChat(t *testing.T) {
	r, f := newTestRunner("happy")

	r.handleContinue(wire.ContinueRun{RunID: "r1", Message: "more detail please"})

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.chats, 1)
	assert.Equal(t, "noted: more detail please", f.chats[0])
}

func TestAgentSpecs(t *testing.T) {
	specs := agentSpecs("echo, review,")
	require.Len(t, specs, 2)
	assert.Equal(t, "echo", specs[0].Name)
	assert.Equal(t, "review", specs[1].Name)
	require.NotEmpty(t, specs[0].Backends)
	assert.True(t, specs[0].Backends[0].SupportsStreaming)
}
