package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/config"
	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/metrics"
	"github.com/taskrun/taskrun/internal/state"
	"github.com/taskrun/taskrun/internal/stream"
	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

// Reaper retires workers that stopped heartbeating. A worker stale past the
// timeout is marked errored, which removes it from scheduling; stale past
// twice the timeout its registry entry is removed, which tears the session
// down. Runs owned by a reaped worker keep their current status.
type Reaper struct {
	store   state.Store
	service *Service
	uiBus   *stream.UiBus
	cfg     config.HeartbeatConfig
	log     *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a heartbeat reaper.
func NewReaper(store state.Store, service *Service, uiBus *stream.UiBus, cfg config.HeartbeatConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		store:   store,
		service: service,
		uiBus:   uiBus,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "heartbeat-reaper")),
	}
}

// Start launches the sweep loop. No-op when the reaper is disabled.
func (r *Reaper) Start(ctx context.Context) {
	if !r.cfg.ReaperEnabled {
		r.log.Info("heartbeat reaper disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.IntervalDuration())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(time.Now().UTC())
			}
		}
	}()

	r.log.Info("heartbeat reaper started",
		zap.Duration("interval", r.cfg.IntervalDuration()),
		zap.Duration("timeout", r.cfg.TimeoutDuration()))
}

// Stop terminates the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Sweep examines every worker once. Exported so tests drive it with a
// chosen clock instead of waiting out the ticker.
func (r *Reaper) Sweep(now time.Time) {
	timeout := r.cfg.TimeoutDuration()

	for _, w := range r.store.ListWorkers("", "") {
		stale := now.Sub(w.LastHeartbeat)
		if stale <= timeout {
			continue
		}
		id := state.WorkerID(w.Info.WorkerID)

		if stale > 2*timeout {
			r.log.WithWorkerID(w.Info.WorkerID).Warn("worker presumed dead, evicting",
				zap.Duration("stale", stale))
			// Unconditional removal closes the done channel, which the
			// session's write pump turns into a connection teardown.
			if r.service.Deregister(id, nil) {
				metrics.RecordWorkerStale("evicted")
			}
			continue
		}

		if w.Status != v1.WorkerStatusError {
			r.log.WithWorkerID(w.Info.WorkerID).Warn("worker heartbeat stale, marking errored",
				zap.Duration("stale", stale))
			if err := r.store.MarkWorkerStatus(id, v1.WorkerStatusError); err != nil {
				continue
			}
			metrics.RecordWorkerStale("marked")
			r.uiBus.Publish(stream.NewWorkerHeartbeat(w.Info.WorkerID, v1.WorkerStatusError, wire.NowMS()))
		}
	}
}
