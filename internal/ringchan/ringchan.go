// Package ringchan provides a bounded, overwrite-oldest channel for event fan-out.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is discarded.
// Sending after Close is a no-op, so late producers (timers, notification
// callbacks) cannot panic on a closed stream.
//
//	rc := ringchan.New[Event](64)
//	rc.ForceSend(ev)
//	for ev := range rc.C() {
//	    ...
//	}
type RingChannel[T any] struct {
	ch chan T

	mu     sync.RWMutex
	closed bool

	written     atomic.Int64
	overwritten atomic.Int64
	dropped     atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend always succeeds immediately, discarding the oldest element if needed.
// It reports whether an element was overwritten. After Close the value is dropped.
func (rc *RingChannel[T]) ForceSend(v T) (overwrote bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	if rc.closed {
		rc.dropped.Add(1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return overwrote
		default:
		}

		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			overwrote = true
		default:
		}
	}
}

// Close closes the receive side. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Metrics is a snapshot of delivery counters.
type Metrics struct {
	Written     int64
	Overwritten int64
	Dropped     int64
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
		Dropped:     rc.dropped.Load(),
	}
}
