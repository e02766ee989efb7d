package testutils

import (
	"sync"
	"sync/atomic"
	"time"
)

// CriticalSection is a shared resource that does not protect itself: it
// counts entries and records every time two callers overlap inside it.
type CriticalSection struct {
	inside     atomic.Int32
	violations atomic.Int32

	mu    sync.Mutex
	value int
	order []string
}

func (cs *CriticalSection) Work(nodeID string, duration time.Duration, f func()) {
	if cs.inside.Add(1) > 1 {
		cs.violations.Add(1)
	}
	defer cs.inside.Add(-1)

	if f != nil {
		f()
	}
	time.Sleep(duration)

	cs.mu.Lock()
	cs.value++
	cs.order = append(cs.order, nodeID)
	cs.mu.Unlock()
}

func (cs *CriticalSection) Value() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.value
}

// Order lists the node ids in the order they finished their entries.
func (cs *CriticalSection) Order() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.order...)
}

// Violations is the number of entries that found another caller inside.
func (cs *CriticalSection) Violations() int {
	return int(cs.violations.Load())
}
