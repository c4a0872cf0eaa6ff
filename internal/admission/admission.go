// Package admission implements the file-handle admission controller (C1):
// a process-wide counting semaphore over concurrent input-file opens,
// sized as a fraction of the output stream-cache capacity (spec.md §4.1).
package admission

import (
	"sync"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// MinMax is the floor on the configured max permit count, per spec.md
// §4.1 ("bounded below by 2").
const MinMax = 2

// Controller is a resizable counting semaphore. Every ingest path that
// opens a fresh input file must Acquire a permit before opening it and
// Release it after close; the stream cache is orthogonal and never goes
// through this controller.
type Controller struct {
	mu       sync.Mutex
	cond     *sync.Cond
	max      int
	inUse    int
	shutdown bool
}

// NewFromCacheSize derives max = floor(cacheSize / 8), bounded below by
// MinMax, matching spec.md §4.1.
func NewFromCacheSize(cacheSize int) *Controller {
	return New(cacheSize / 8)
}

// New creates a controller with the given max, clamped to MinMax.
func New(max int) *Controller {
	if max < MinMax {
		max = MinMax
	}
	c := &Controller{max: max}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until a permit is available, returning an error if
// shutdown is observed first.
func (c *Controller) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.inUse >= c.max && !c.shutdown {
		c.cond.Wait()
	}
	if c.shutdown {
		return errShutdown
	}
	c.inUse++
	return nil
}

// Release returns a permit and wakes one waiter.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse > 0 {
		c.inUse--
	}
	c.cond.Signal()
}

// SetMax atomically reconfigures the permit count, clamped to MinMax.
// Waiters are woken so they can observe the new ceiling.
func (c *Controller) SetMax(n int) {
	if n < MinMax {
		n = MinMax
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.max = n
	log.Debug("admission: max set to %d", n)
	c.cond.Broadcast()
}

// Shutdown wakes every blocked Acquire with an error.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shutdown = true
	c.cond.Broadcast()
}

// InUse reports the number of permits currently held. Intended for
// diagnostics/tests.
func (c *Controller) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// Max reports the current permit ceiling.
func (c *Controller) Max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

type shutdownError struct{}

func (shutdownError) Error() string { return "admission: shutdown" }

var errShutdown error = shutdownError{}

// ErrShutdown is returned by Acquire when the controller has been shut
// down while a caller was waiting for a permit.
var ErrShutdown = errShutdown
