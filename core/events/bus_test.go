package events

import (
	"io"
	"testing"

	"media-orchestrator/core/models"

	"github.com/sirupsen/logrus"
)

func newTestBus() *Bus {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewBus(logger)
}

func TestBusFanOut(t *testing.T) {
	b := newTestBus()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(models.StateEvent{JobID: "job-1", To: "queued"})

	for i, ch := range []<-chan models.StateEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.JobID != "job-1" || ev.To != "queued" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := newTestBus()
	ch, cancel := b.Subscribe()
	cancel()

	// The channel is closed on cancel and no longer receives events.
	b.Publish(models.StateEvent{JobID: "job-1", To: "queued"})
	if ev, ok := <-ch; ok {
		t.Errorf("cancelled subscriber got %+v", ev)
	}

	// Cancelling twice is safe.
	cancel()
}

func TestBusNeverBlocks(t *testing.T) {
	b := newTestBus()
	_, cancel := b.Subscribe() // nobody drains this subscriber
	defer cancel()

	// Publishing past the buffer must drop, not stall.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(models.StateEvent{JobID: "job-1", To: "executing"})
	}
}
