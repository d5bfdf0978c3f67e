package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
	"github.com/taskrun/taskrun/internal/state"
)

// StreamBus fans out per-run events to bounded subscriber channels. A
// subscriber that stops draining is evicted rather than slowing the run.
// Once a run reaches a terminal state the caller schedules a cleanup; the
// grace window keeps the channels open long enough for subscribers to drain
// the final events.
type StreamBus struct {
	mu     sync.Mutex
	subs   map[state.RunID]map[chan Event]struct{}
	timers map[state.RunID]*time.Timer
	closed bool

	buffer int
	grace  time.Duration
	logger *logger.Logger
}

// NewStreamBus creates a bus with the given per-subscriber buffer and
// post-terminal grace window.
func NewStreamBus(buffer int, grace time.Duration, log *logger.Logger) *StreamBus {
	return &StreamBus{
		subs:   make(map[state.RunID]map[chan Event]struct{}),
		timers: make(map[state.RunID]*time.Timer),
		buffer: buffer,
		grace:  grace,
		logger: log.WithFields(zap.String("component", "stream_bus")),
	}
}

// Subscribe returns a fresh channel receiving the run's events from now on.
// The channel is closed when the run's channels are removed or the bus shuts
// down.
func (b *StreamBus) Subscribe(runID state.RunID) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	if _, ok := b.subs[runID]; !ok {
		b.subs[runID] = make(map[chan Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes one subscriber channel.
func (b *StreamBus) Unsubscribe(runID state.RunID, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[runID]
	if !ok {
		return
	}
	for sub := range subs {
		if sub == ch {
			delete(subs, sub)
			close(sub)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, runID)
	}
}

// Publish delivers the event to every current subscriber of the run.
// Subscribers whose buffer is full are dropped from the subscription set so
// producers never block.
func (b *StreamBus) Publish(runID state.RunID, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	subs := b.subs[runID]
	for sub := range subs {
		select {
		case sub <- ev:
		default:
			delete(subs, sub)
			close(sub)
			b.logger.Warn("Dropped slow stream subscriber",
				zap.String("run_id", runID.String()))
		}
	}
	if len(subs) == 0 {
		delete(b.subs, runID)
	}
}

// RemoveChannel closes all subscriber channels for the run immediately.
func (b *StreamBus) RemoveChannel(runID state.RunID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(runID)
}

// ScheduleRemove arranges RemoveChannel after the grace window. Scheduling
// is idempotent per run.
func (b *StreamBus) ScheduleRemove(runID state.RunID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, ok := b.timers[runID]; ok {
		return
	}
	b.timers[runID] = time.AfterFunc(b.grace, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(runID)
	})
}

func (b *StreamBus) removeLocked(runID state.RunID) {
	if t, ok := b.timers[runID]; ok {
		t.Stop()
		delete(b.timers, runID)
	}
	for sub := range b.subs[runID] {
		close(sub)
	}
	delete(b.subs, runID)
}

// SubscriberCount returns the number of subscribers for a run.
func (b *StreamBus) SubscriberCount(runID state.RunID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// Close stops all timers and closes every subscriber channel.
func (b *StreamBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for runID, t := range b.timers {
		t.Stop()
		delete(b.timers, runID)
	}
	for runID, subs := range b.subs {
		for sub := range subs {
			close(sub)
		}
		delete(b.subs, runID)
	}
}
