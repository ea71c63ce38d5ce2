// Package queue provides the bounded single-producer/single-consumer queues
// that connect pipeline stages. They are the only synchronization primitive
// between stages: both ends are non-blocking, so a stage that finds no input
// (or no room) simply skips its turn instead of parking.
package queue

import "sync/atomic"

// RingBuffer is a lock-free Single-Producer Single-Consumer (SPSC) queue.
// Offer must only be called from one goroutine, and Poll from one goroutine.
// It is NOT safe for multiple producers or multiple consumers.
type RingBuffer[T any] struct {
	// Cache line padding to prevent false sharing between the two ends.
	_      [8]uint64
	head   atomic.Uint64
	_      [8]uint64
	tail   atomic.Uint64
	_      [8]uint64
	mask   uint64
	buffer []T
	closed atomic.Bool
}

// New creates an SPSC ring buffer holding at least capacity items.
// Capacity is rounded up to the next power of 2.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &RingBuffer[T]{
		buffer: make([]T, size),
		mask:   uint64(size - 1),
	}
}

// Cap returns the number of slots in the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buffer)
}

// Len returns the number of items currently queued.
// From the producer side it may overestimate (the consumer can drain
// concurrently), never underestimate, so it is safe as a conservative
// fullness check.
func (rb *RingBuffer[T]) Len() int {
	return int(rb.tail.Load() - rb.head.Load())
}

// Full reports whether an Offer would currently fail.
// Producer-side only; may be momentarily pessimistic, never optimistic.
func (rb *RingBuffer[T]) Full() bool {
	return rb.Len() >= len(rb.buffer)
}

// Offer adds an item to the queue.
// Returns false if the queue is full. Producer-side only.
func (rb *RingBuffer[T]) Offer(item T) bool {
	tail := rb.tail.Load()
	head := rb.head.Load()
	if tail-head > rb.mask {
		return false
	}
	rb.buffer[tail&rb.mask] = item
	rb.tail.Store(tail + 1)
	return true
}

// Poll removes an item from the queue.
// Returns false if the queue is empty. Consumer-side only.
func (rb *RingBuffer[T]) Poll() (T, bool) {
	head := rb.head.Load()
	tail := rb.tail.Load()
	if head == tail {
		var zero T
		return zero, false
	}
	item := rb.buffer[head&rb.mask]
	// Drop the slot's reference so the GC can reclaim pointer items.
	var zero T
	rb.buffer[head&rb.mask] = zero
	rb.head.Store(head + 1)
	return item, true
}

// Close marks the queue as closed. The producer calls this after its final
// Offer; items already queued remain pollable.
func (rb *RingBuffer[T]) Close() {
	rb.closed.Store(true)
}

// IsClosed returns true once the queue is closed and fully drained.
// Consumers use it as their termination test after an empty Poll.
func (rb *RingBuffer[T]) IsClosed() bool {
	return rb.closed.Load() && rb.head.Load() == rb.tail.Load()
}
