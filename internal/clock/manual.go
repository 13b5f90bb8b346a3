package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Callbacks
// scheduled with AfterFunc run synchronously from Advance, outside the clock's
// lock, so they may schedule new timers.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{clock: m, at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// AfterFunc schedules f to run once the clock has advanced by d. A
// non-positive d still waits for the next Advance.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t := &manualTimer{clock: m, at: m.now.Add(d), fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves time forward by d, fires due channel timers and runs due
// callbacks in schedule order.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []func()
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.stopped = true
		if timer.fn != nil {
			due = append(due, timer.fn)
			continue
		}
		timer.ch <- now
	}
	m.timers = remaining
	m.mu.Unlock()
	for _, fn := range due {
		fn()
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}
