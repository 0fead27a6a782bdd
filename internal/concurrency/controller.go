// Package concurrency bounds how many tasks run at once and FIFO-queues the
// rest, handing a queued task its slot back as soon as one frees up.
package concurrency

import (
	"log/slog"
	"sync"
)

// Controller enforces a maximum number of concurrently running tasks. Tasks
// beyond the limit wait in a FIFO queue until a running task releases its
// slot. The zero value is not usable; construct with New.
type Controller[T any] struct {
	logger *slog.Logger

	mu            sync.Mutex
	maxConcurrent int
	runningCount  int
	queue         []T
}

// New constructs a Controller that admits at most maxConcurrent tasks at
// once. maxConcurrent must be at least 1.
func New[T any](maxConcurrent int, logger *slog.Logger) *Controller[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller[T]{
		logger:        logger,
		maxConcurrent: maxConcurrent,
	}
}

// RunningCount reports how many tasks currently hold a slot.
func (c *Controller[T]) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCount
}

// QueueSize reports how many tasks are waiting for a slot.
func (c *Controller[T]) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// IsAtCapacity reports whether the running count has reached the configured
// maximum.
func (c *Controller[T]) IsAtCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCount >= c.maxConcurrent
}

// Acquire attempts to claim an execution slot. On success it returns true
// and the caller owns the slot until it calls Release. On failure (at
// capacity) the caller should Enqueue the task instead.
func (c *Controller[T]) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningCount < c.maxConcurrent {
		c.runningCount++
		c.logger.Debug("concurrency slot acquired", "running", c.runningCount, "max", c.maxConcurrent)
		return true
	}
	c.logger.Debug("concurrency at capacity", "running", c.runningCount, "max", c.maxConcurrent)
	return false
}

// Enqueue adds a task to the back of the wait queue. It does not hold a slot.
func (c *Controller[T]) Enqueue(task T) {
	c.mu.Lock()
	c.queue = append(c.queue, task)
	size := len(c.queue)
	c.mu.Unlock()
	c.logger.Info("concurrency task enqueued", "queue_size", size)
}

// Release gives up a slot. If a task is waiting in the queue, it is
// dequeued and immediately granted the freed slot (the running count does
// not drop), and is returned along with true. Otherwise the zero value of T
// is returned along with false.
func (c *Controller[T]) Release() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.runningCount > 0 {
		c.runningCount--
	}
	c.logger.Debug("concurrency slot released", "running", c.runningCount, "max", c.maxConcurrent)

	if len(c.queue) == 0 {
		return zero, false
	}

	next := c.queue[0]
	c.queue = c.queue[1:]
	c.runningCount++
	c.logger.Info("concurrency task dequeued", "running", c.runningCount, "max", c.maxConcurrent, "queue_size", len(c.queue))
	return next, true
}
