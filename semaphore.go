package assetcache

import (
	"sync/atomic"
)

// semaphore caps the number of background font runs. Callers that find no
// free slot skip the run instead of queueing; the next page view retries.
type semaphore struct {
	slots   chan struct{}
	running atomic.Int32
}

func newSemaphore(limit int) *semaphore {
	if limit < 1 {
		limit = 1
	}
	return &semaphore{slots: make(chan struct{}, limit)}
}

// tryAcquire takes a slot if one is free.
func (s *semaphore) tryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		s.running.Add(1)
		return true
	default:
		return false
	}
}

func (s *semaphore) release() {
	s.running.Add(-1)
	<-s.slots
}

// active reports the runs currently holding a slot.
func (s *semaphore) active() int {
	return int(s.running.Load())
}
