package orchestrator

import "sync"

// Semaphore is a counting semaphore with FIFO wake-up over waiters. It has
// no timeout or cancellation on Acquire itself; callers that need coarser
// cancellation poll AbortCoordinator at their own checkpoints instead, per
// spec.md §4.1.
type Semaphore struct {
	mu        sync.Mutex
	available int
	waiters   []chan struct{}
}

// NewSemaphore creates a semaphore initialized with n permits.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{available: n}
}

// Acquire blocks until a permit is free. Waiters are served in FIFO order.
func (s *Semaphore) Acquire() {
	s.mu.Lock()
	if s.available > 0 && len(s.waiters) == 0 {
		s.available--
		s.mu.Unlock()
		return
	}

	wait := make(chan struct{})
	s.waiters = append(s.waiters, wait)
	s.mu.Unlock()

	<-wait
}

// Release returns a permit, handing it directly to the oldest waiter if
// one exists, or incrementing the available count otherwise.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(next)
		return
	}

	s.available++
}

// Available returns the current permit count. It does not count queued
// waiters.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}
