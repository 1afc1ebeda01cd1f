// Package events delivers state-transition events to in-process
// subscribers (persistence, notification, metrics).
package events

import (
	"sync"

	"media-orchestrator/core/models"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 256

// Bus fans out state events to subscribers. Publish never blocks: a
// subscriber that falls behind loses events rather than stalling the
// scheduler, and the drop is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan models.StateEvent
	nextID int
	logger logrus.FieldLogger
}

// NewBus creates an event bus.
func NewBus(logger logrus.FieldLogger) *Bus {
	return &Bus{
		subs:   make(map[int]chan models.StateEvent),
		logger: logger,
	}
}

// Subscribe registers a subscriber; the returned cancel func removes it.
func (b *Bus) Subscribe() (<-chan models.StateEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.StateEvent, subscriberBuffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(ev models.StateEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.WithFields(logrus.Fields{
				"job_id": ev.JobID,
				"to":     ev.To,
			}).Warn("event dropped: subscriber not keeping up")
		}
	}
}
