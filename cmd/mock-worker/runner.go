package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/pkg/wire"
)

// mockBackend is reported in terminal status updates.
var mockBackend = &wire.ModelBackend{
	Provider:          "mock",
	ModelName:         "mock-default",
	ContextWindow:     8192,
	SupportsStreaming: true,
}

// step is one scripted output chunk with the pause preceding it.
type step struct {
	delay   time.Duration
	content string
}

var happyScript = []step{
	{150 * time.Millisecond, "analyzing input\n"},
	{150 * time.Millisecond, "drafting response\n"},
	{150 * time.Millisecond, "finalizing\n"},
}

var slowScript = []step{
	{time.Second, "thinking\n"},
	{time.Second, "still thinking\n"},
	{time.Second, "nearly there\n"},
}

// runner plays one scripted scenario per assigned run and keeps the
// advertised load in step with the runs in flight. Assignments may carry a
// "scenario" label overriding the default.
type runner struct {
	client   sender
	scenario string
	log      *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// sender is the slice of the worker client the runner uses.
type sender interface {
	SetLoad(status wire.WorkerStatus, activeRuns uint32) error
	SendStatusUpdate(runID string, status wire.RunStatus, errorMessage string, backend *wire.ModelBackend) error
	SendOutputChunk(runID string, seq uint64, content string, isFinal bool) error
	SendEvent(runID, taskID string, eventType wire.RunEventType, metadata map[string]string) error
	SendChat(runID string, role wire.ChatRole, content string) error
}

func newRunner(scenario string, log *logger.Logger) *runner {
	return &runner{
		scenario: scenario,
		log:      log,
		active:   make(map[string]context.CancelFunc),
	}
}

func (r *runner) handleAssign(a wire.RunAssignment) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.active[a.RunID] = cancel
	n := uint32(len(r.active))
	r.mu.Unlock()

	r.reportLoad(n)
	go r.play(ctx, a)
}

func (r *runner) handleCancel(c wire.CancelRun) {
	r.mu.Lock()
	cancel, ok := r.active[c.RunID]
	r.mu.Unlock()
	if !ok {
		// Run already finished; its terminal update is on the way or sent.
		r.log.Debug("cancel for unknown run", zap.String("run_id", c.RunID))
		return
	}
	r.log.Info("cancelling run", zap.String("run_id", c.RunID), zap.String("reason", c.Reason))
	cancel()
}

func (r *runner) handleContinue(c wire.ContinueRun) {
	r.log.Info("continue received", zap.String("run_id", c.RunID))
	_ = r.client.SendChat(c.RunID, wire.RoleAssistant, "noted: "+c.Message)
}

// play emits the scripted lifecycle for one run on its own goroutine.
func (r *runner) play(ctx context.Context, a wire.RunAssignment) {
	defer r.finish(a.RunID)

	scenario := r.scenario
	if s := a.Labels["scenario"]; s != "" {
		scenario = s
	}
	log := r.log.WithRunID(a.RunID).WithFields(zap.String("scenario", scenario))
	log.Info("run assigned", zap.String("agent", a.AgentName), zap.String("task_id", a.TaskID))

	_ = r.client.SendEvent(a.RunID, a.TaskID, wire.EventExecutionStarted, nil)
	_ = r.client.SendStatusUpdate(a.RunID, wire.RunRunning, "", nil)

	switch scenario {
	case "fail":
		r.playFail(ctx, a)
	case "slow":
		r.playScript(ctx, a, slowScript)
	case "chatty":
		r.playChatty(ctx, a)
	default:
		r.playScript(ctx, a, happyScript)
	}
	log.Info("run finished")
}

// playScript streams the steps, then a tool round-trip, a closing chat
// message, and the final chunk. A cancelled context short-circuits to the
// cancelled terminal status.
func (r *runner) playScript(ctx context.Context, a wire.RunAssignment, script []step) {
	var seq uint64
	for _, s := range script {
		if !r.pause(ctx, a.RunID, s.delay) {
			return
		}
		seq++
		_ = r.client.SendOutputChunk(a.RunID, seq, s.content, false)
	}

	_ = r.client.SendEvent(a.RunID, a.TaskID, wire.EventToolRequested, map[string]string{"tool": "search"})
	if !r.pause(ctx, a.RunID, 100*time.Millisecond) {
		return
	}
	_ = r.client.SendEvent(a.RunID, a.TaskID, wire.EventToolCompleted, map[string]string{"tool": "search"})

	_ = r.client.SendChat(a.RunID, wire.RoleAssistant, "run complete")
	seq++
	_ = r.client.SendOutputChunk(a.RunID, seq, "done\n", true)
	_ = r.client.SendEvent(a.RunID, a.TaskID, wire.EventExecutionCompleted, nil)
	_ = r.client.SendStatusUpdate(a.RunID, wire.RunCompleted, "", mockBackend)
}

func (r *runner) playFail(ctx context.Context, a wire.RunAssignment) {
	if !r.pause(ctx, a.RunID, 150*time.Millisecond) {
		return
	}
	_ = r.client.SendOutputChunk(a.RunID, 1, "attempting\n", false)
	if !r.pause(ctx, a.RunID, 150*time.Millisecond) {
		return
	}
	_ = r.client.SendEvent(a.RunID, a.TaskID, wire.EventExecutionFailed, map[string]string{"reason": "simulated"})
	_ = r.client.SendStatusUpdate(a.RunID, wire.RunFailed, "simulated failure", mockBackend)
}

func (r *runner) playChatty(ctx context.Context, a wire.RunAssignment) {
	var seq uint64
	for i := 0; i < 5; i++ {
		if !r.pause(ctx, a.RunID, 100*time.Millisecond) {
			return
		}
		seq++
		_ = r.client.SendOutputChunk(a.RunID, seq, fmt.Sprintf("chunk %d\n", seq), false)
		_ = r.client.SendChat(a.RunID, wire.RoleAssistant, fmt.Sprintf("progress update %d", i+1))
	}
	seq++
	_ = r.client.SendOutputChunk(a.RunID, seq, "done\n", true)
	_ = r.client.SendStatusUpdate(a.RunID, wire.RunCompleted, "", mockBackend)
}

// pause waits out the delay; a cancelled run emits its terminal status here
// and reports false.
func (r *runner) pause(ctx context.Context, runID string, d time.Duration) bool {
	select {
	case <-ctx.Done():
		_ = r.client.SendStatusUpdate(runID, wire.RunCancelled, "", nil)
		return false
	case <-time.After(d):
		return true
	}
}

func (r *runner) finish(runID string) {
	r.mu.Lock()
	if cancel, ok := r.active[runID]; ok {
		cancel()
		delete(r.active, runID)
	}
	n := uint32(len(r.active))
	r.mu.Unlock()
	r.reportLoad(n)
}

func (r *runner) reportLoad(active uint32) {
	status := wire.WorkerIdle
	if active > 0 {
		status = wire.WorkerBusy
	}
	if err := r.client.SetLoad(status, active); err != nil {
		r.log.Warn("load report failed", zap.Error(err))
	}
}
