// Package queue implements the lock-free, wait-free single-producer/
// single-consumer ring buffers the worker/controller pairs use to
// exchange messages (spec.md §4.2). Producer and consumer cursors are
// padded onto separate cache lines, the same layout the donor codebase
// uses for its lock-free ring buffer (abiolaogu-MinIO's
// internal/cache/cache_engine_v3.go LockFreeRingBuffer, and the otter/v2
// lossy ring found in the wider retrieved corpus).
package queue

// cacheLineSize is the assumed CPU cache line size used to pad cursors
// apart so producer and consumer never false-share a line.
const cacheLineSize = 64

// Queue is the contract both ring variants satisfy. Push is wait-free by
// the single-producer assumption; Pop is wait-free by the
// single-consumer assumption (spec.md §4.2).
type Queue[T any] interface {
	// TryPush enqueues x, returning false if the queue is full.
	TryPush(x T) bool
	// Front returns a pointer to the head element, or nil if empty.
	Front() *T
	// Pop advances past the head element. Precondition: the most recent
	// Front call returned non-nil.
	Pop()
}
