package clock

import (
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance is called. Tickers
// and After channels fire as the manual time passes their deadlines.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualWaiter
}

type manualWaiter struct {
	at       time.Time
	ch       chan time.Time
	interval time.Duration // 0 for one-shot
	stopped  bool
}

// NewManual returns a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &manualWaiter{at: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.waiters = append(m.waiters, w)
	return w.ch
}

// Sleep returns immediately; manual tests advance time explicitly.
func (m *Manual) Sleep(time.Duration) {}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &manualWaiter{at: m.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	m.waiters = append(m.waiters, w)
	return &manualTicker{m: m, w: w}
}

// Advance moves the clock forward, firing any waiters whose deadline passes.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for _, w := range m.waiters {
		for !w.stopped && !w.at.After(m.now) {
			select {
			case w.ch <- w.at:
			default:
			}
			if w.interval == 0 {
				w.stopped = true
			} else {
				w.at = w.at.Add(w.interval)
			}
		}
	}
}

type manualTicker struct {
	m *Manual
	w *manualWaiter
}

func (mt *manualTicker) C() <-chan time.Time { return mt.w.ch }

func (mt *manualTicker) Stop() {
	mt.m.mu.Lock()
	defer mt.m.mu.Unlock()
	mt.w.stopped = true
}
