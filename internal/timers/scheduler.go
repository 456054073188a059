package timers

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(delay time.Duration, callback func()) Timer
}

type realScheduler struct{}

// NewRealScheduler returns a Scheduler backed by time.AfterFunc.
func NewRealScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// Manual is a Scheduler driven by Advance, for deterministic tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextSeq int64
	pending []*manualTimer
}

type manualTimer struct {
	owner    *Manual
	seq      int64
	due      time.Time
	callback func()
	stopped  bool
}

// NewManual returns a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// AfterFunc registers callback to run once Advance moves past delay.
func (m *Manual) AfterFunc(delay time.Duration, callback func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	timer := &manualTimer{owner: m, seq: m.nextSeq, due: m.now.Add(delay), callback: callback}
	m.pending = append(m.pending, timer)
	return timer
}

// Now returns the scheduler's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending reports how many timers are armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, timer := range m.pending {
		if !timer.stopped {
			count++
		}
	}
	return count
}

// Advance moves time forward and runs every due callback in due order.
// Callbacks run without the scheduler lock held.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(delta)
	now := m.now
	due := make([]*manualTimer, 0)
	remaining := m.pending[:0]
	for _, timer := range m.pending {
		if timer.stopped {
			continue
		}
		if !timer.due.After(now) {
			due = append(due, timer)
			continue
		}
		remaining = append(remaining, timer)
	}
	m.pending = remaining
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	for _, timer := range due {
		m.mu.Lock()
		stopped := timer.stopped
		timer.stopped = true
		m.mu.Unlock()
		if !stopped {
			timer.callback()
		}
	}
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
