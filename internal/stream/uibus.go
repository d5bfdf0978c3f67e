package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskrun/taskrun/internal/common/logger"
)

// UiBus is the single broadcast channel for dashboard notifications. A
// lagged subscriber loses its oldest buffered notification rather than
// blocking the producer or being disconnected; UI consumers tolerate gaps.
type UiBus struct {
	mu     sync.RWMutex
	subs   map[chan Notification]struct{}
	closed bool

	buffer int
	logger *logger.Logger
}

// NewUiBus creates a bus with the given per-subscriber buffer.
func NewUiBus(buffer int, log *logger.Logger) *UiBus {
	return &UiBus{
		subs:   make(map[chan Notification]struct{}),
		buffer: buffer,
		logger: log.WithFields(zap.String("component", "ui_bus")),
	}
}

// Subscribe returns a channel receiving all notifications published from now
// on. The subscription ends and the channel closes when ctx is cancelled or
// the bus shuts down.
func (b *UiBus) Subscribe(ctx context.Context) <-chan Notification {
	b.mu.Lock()

	ch := make(chan Notification, b.buffer)
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()

	return ch
}

// Publish delivers the notification to all subscribers without ever
// blocking. When a subscriber's buffer is full its oldest notification is
// evicted to make room.
func (b *UiBus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub <- n:
			continue
		default:
		}
		// Full: evict the oldest entry and retry once. The retry can still
		// lose the race against the subscriber draining; then the new
		// notification is the one dropped.
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- n:
		default:
		}
		b.logger.Warn("UI subscriber lagging, dropped oldest notification",
			zap.String("kind", string(n.Kind)))
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *UiBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *UiBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
