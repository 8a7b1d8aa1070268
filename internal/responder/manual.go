package responder

import (
	"sort"
	"sync"
	"time"
)

// ManualTimer is a Timer whose functions only run when the test advances
// it.  Intended for tests.
type ManualTimer struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*manualTask
}

type manualTask struct {
	m       *ManualTimer
	due     time.Duration
	seq     int
	fn      func()
	stopped bool
}

func (t *manualTask) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

// NewManualTimer returns a timer at offset zero.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{}
}

func (m *ManualTimer) AfterFunc(d time.Duration, fn func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, due: m.now + d, seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves time forward and runs everything that became due, in due
// order.  Functions scheduled while advancing run too if they fall inside
// the window.
func (m *ManualTimer) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	fired := 0
	for {
		m.mu.Lock()
		sort.SliceStable(m.pending, func(i, j int) bool {
			if m.pending[i].due != m.pending[j].due {
				return m.pending[i].due < m.pending[j].due
			}
			return m.pending[i].seq < m.pending[j].seq
		})
		if len(m.pending) == 0 || m.pending[0].due > target {
			m.now = target
			m.mu.Unlock()
			return fired
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		if next.due > m.now {
			m.now = next.due
		}
		stopped := next.stopped
		next.stopped = true
		m.mu.Unlock()

		if !stopped {
			next.fn()
			fired++
		}
	}
}

// Pending counts scheduled functions that have not run or been stopped.
func (m *ManualTimer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}
