package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

func newTestReaper(env *testEnv) *Reaper {
	return NewReaper(env.store, env.service, env.uiBus, config.HeartbeatConfig{
		Interval:      15,
		Timeout:       45,
		ReaperEnabled: true,
	}, logger.Default())
}

// lastHeartbeat reads the worker's heartbeat clock so sweeps can be driven
// with exact offsets from it.
func lastHeartbeat(t *testing.T, env *testEnv, id string) time.Time {
	t.Helper()
	snap, err := env.store.GetWorker(state.WorkerID(id))
	require.NoError(t, err)
	return snap.LastHeartbeat
}

func TestReaper_FreshWorkerUntouched(t *testing.T) {
	env := newTestService(t)
	registerWorker(t, env, "w1", "echo")
	reaper := newTestReaper(env)

	// Staleness exactly at the timeout is still within tolerance.
	hb := lastHeartbeat(t, env, "w1")
	reaper.Sweep(hb.Add(45 * time.Second))

	snap, err := env.store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, v1.WorkerStatusIdle, snap.Status)
	assert.Equal(t, 1, env.store.WorkerCount())
}

func TestReaper_MarksStaleWorkerErrored(t *testing.T) {
	env := newTestService(t)
	registerWorker(t, env, "w1", "echo")
	reaper := newTestReaper(env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifications := env.uiBus.Subscribe(ctx)

	hb := lastHeartbeat(t, env, "w1")
	reaper.Sweep(hb.Add(46 * time.Second))

	snap, err := env.store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, v1.WorkerStatusError, snap.Status)
	assert.Equal(t, 1, env.store.WorkerCount())

	n := waitForNotification(t, notifications, stream.KindWorkerHeartbeat)
	assert.Equal(t, "w1", n.WorkerID)
	assert.Equal(t, v1.WorkerStatusError, n.WorkerStatus)

	// An already errored worker is not re-announced.
	reaper.Sweep(hb.Add(46 * time.Second))
	select {
	case n := <-notifications:
		t.Fatalf("unexpected notification %s", n.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReaper_EvictsPresumedDead(t *testing.T) {
	env := newTestService(t)
	outbound := make(chan *wire.ServerMessage, state.WorkerOutboundCapacity)
	done := make(chan struct{})
	env.service.Register(workerInfo("w1", "echo"), outbound, done)
	require.NoError(t, env.service.HandleHeartbeat(wire.WorkerHeartbeat{
		WorkerID: "w1", Status: wire.WorkerIdle, MaxConcurrentRuns: 2,
	}))
	reaper := newTestReaper(env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifications := env.uiBus.Subscribe(ctx)

	hb := lastHeartbeat(t, env, "w1")

	// First threshold: removed from scheduling but still connected.
	reaper.Sweep(hb.Add(60 * time.Second))
	assert.Equal(t, 1, env.store.WorkerCount())

	// Second threshold: the registry entry goes away and the session's done
	// channel closes, which tears the connection down.
	reaper.Sweep(hb.Add(91 * time.Second))
	assert.Equal(t, 0, env.store.WorkerCount())
	_, err := env.store.GetWorker("w1")
	require.ErrorIs(t, err, state.ErrWorkerNotFound)

	select {
	case <-done:
	default:
		t.Fatal("evicted worker's done channel was not closed")
	}

	n := waitForNotification(t, notifications, stream.KindWorkerDisconnected)
	assert.Equal(t, "w1", n.WorkerID)
}

func TestReaper_StartStop(t *testing.T) {
	env := newTestService(t)
	reaper := newTestReaper(env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reaper.Start(ctx)
	reaper.Stop()

	disabled := NewReaper(env.store, env.service, env.uiBus, config.HeartbeatConfig{
		Interval: 15, Timeout: 45,
	}, logger.Default())
	disabled.Start(ctx)
	disabled.Stop()
}
