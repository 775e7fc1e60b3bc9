package engine

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrSemaphoreClosed is returned when acquiring from a closed semaphore.
var ErrSemaphoreClosed = errors.New("semaphore is closed")

// Semaphore is a counting semaphore with strict FIFO handoff: a released
// slot goes to the longest-waiting acquirer, so no waiter starves. It bounds
// concurrent batched model calls and any other fan-out the engine performs.
//
// The caller is responsible for release-on-exit (defer Release after a
// successful Acquire); a waiter cancelled while queued does not consume a slot.
type Semaphore struct {
	mu      sync.Mutex
	max     int
	holders int
	waiters *list.List // of chan struct{}, granted by close
	done    chan struct{}
	closed  bool
}

// NewSemaphore creates a semaphore admitting at most max concurrent holders.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	return &Semaphore{max: max, waiters: list.New(), done: make(chan struct{})}
}

// Acquire blocks until a slot is available, queueing FIFO behind earlier
// waiters. It returns the context's error if cancelled while waiting and
// ErrSemaphoreClosed if the semaphore closes while waiting.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSemaphoreClosed
	}
	if s.holders < s.max && s.waiters.Len() == 0 {
		s.holders++
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return s.abandon(elem, ready, ctx.Err())
	case <-s.done:
		return s.abandon(elem, ready, ErrSemaphoreClosed)
	}
}

// abandon removes a queued waiter. If the grant raced in first, the slot is
// returned and handed to the next waiter.
func (s *Semaphore) abandon(elem *list.Element, ready chan struct{}, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ready:
		s.holders--
		s.wakeNextLocked()
	default:
		s.waiters.Remove(elem)
	}
	return cause
}

// TryAcquire takes a slot only if one is free and no one is queued ahead.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.holders >= s.max || s.waiters.Len() > 0 {
		return false
	}
	s.holders++
	return true
}

// Release returns a slot, handing it directly to the longest-waiting queued
// acquirer if any. Releasing more than acquired panics: it is a caller bug.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders <= 0 {
		panic("semaphore: release without acquire")
	}
	s.holders--
	s.wakeNextLocked()
}

func (s *Semaphore) wakeNextLocked() {
	if s.closed || s.holders >= s.max {
		return
	}
	front := s.waiters.Front()
	if front == nil {
		return
	}
	s.waiters.Remove(front)
	s.holders++
	close(front.Value.(chan struct{}))
}

// Close rejects future acquisitions and wakes all queued waiters with
// ErrSemaphoreClosed. Current holders may still Release.
func (s *Semaphore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// InUse reports the current holder count, for metrics.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders
}
