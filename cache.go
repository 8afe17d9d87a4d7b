// Package taskcache de-duplicates and memoizes asynchronous work.
//
// A [Cache] maps keys to the results of producer functions. For any key at
// most one producer runs at a time; concurrent callers for the same key share
// the in-flight execution and all observe the same outcome. Successful results
// are memoized until re-executed with force. Errors are propagated to every
// subscriber and are not memoized, so a failed task can be retried.
//
// The cache is the coordination primitive of a remote-build caching layer:
// when many concurrent build actions reference the same content-addressed
// object, it collapses their uploads, digest lookups and downloads into a
// single network operation.
//
// Use [Cache.Shutdown] to drain the cache: in-progress tasks run to their
// natural outcome while new tasks fail with [ErrCancelled]. Use
// [Cache.ShutdownNow] to additionally cancel everything in flight, and
// [Cache.AwaitTermination] to be notified once the cache has fully stopped.
package taskcache

import (
	"context"
	"fmt"
	"sync"
)

// Producer is the lazy asynchronous work for one task. The cache runs it in
// its own goroutine at most once per execution and cancels it by cancelling
// ctx. It must return exactly one value or one error.
type Producer[V any] func(ctx context.Context) (V, error)

type lifecycleState int

const (
	stateActive lifecycleState = iota
	statePendingShutdown
	stateShutdown
)

// Cache de-duplicates executions and stores the results of asynchronous
// tasks. Each task is identified by a key of type K and produces a value of
// type V. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	// mu guards every field below, the state of all executions, and the
	// termination waiter list. Critical sections are short and contain no
	// I/O; producers run outside the lock in their own goroutines.
	mu sync.Mutex

	state      lifecycleState
	finished   map[K]V
	inProgress map[K]*execution[K, V]
	waiters    []*Termination

	observer Observer[K]
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		finished:   make(map[K]V),
		inProgress: make(map[K]*execution[K, V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteIfNot executes the task identified by key if it hasn't finished yet.
// Equivalent to Execute with force set to false.
func (c *Cache[K, V]) ExecuteIfNot(key K, producer Producer[V]) *Handle[V] {
	return c.Execute(key, producer, false)
}

// Execute executes the task identified by key and returns a handle on its
// outcome.
//
// If the cache has been shut down the handle fails with [ErrCancelled]. If
// the task already finished successfully and force is false, the handle
// resolves immediately with the memoized value and producer is not consulted.
// Otherwise the caller either joins the in-flight execution for key or starts
// a new one; producer runs only if no execution was in flight. Setting force
// drops any memoized value first, so the task runs again.
//
// Dispose the handle to give up on the result; the last subscriber to do so
// cancels the producer.
func (c *Cache[K, V]) Execute(key K, producer Producer[V], force bool) *Handle[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateActive {
		c.emitLocked(EventRejected, key)
		return newFailedHandle[V](fmt.Errorf("execute %v: %w", key, ErrCancelled))
	}

	if !force {
		if value, ok := c.finished[key]; ok {
			c.emitLocked(EventHit, key)
			return newResolvedHandle(value)
		}
	}

	delete(c.finished, key)

	// Look-up-or-insert and attach must happen atomically. Otherwise two
	// callers could get the same execution, one dispose it (terminating it
	// as the last subscriber) and the other attach to a terminated
	// execution.
	e, inFlight := c.inProgress[key]
	if !inFlight {
		e = &execution[K, V]{cache: c, key: key, producer: producer}
		c.inProgress[key] = e
	}

	handle := e.attachLocked()

	if inFlight {
		c.emitLocked(EventDedup, key)
	} else {
		c.emitLocked(EventMiss, key)
		e.startLocked()
	}

	return handle
}

// FinishedTasks returns the keys of all tasks which finished successfully.
func (c *Cache[K, V]) FinishedTasks() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.finished))
	for key := range c.finished {
		keys = append(keys, key)
	}
	return keys
}

// InProgressTasks returns the keys of all tasks which are still executing.
func (c *Cache[K, V]) InProgressTasks() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.inProgress))
	for key := range c.inProgress {
		keys = append(keys, key)
	}
	return keys
}

// SubscriberCount returns the number of live subscriptions on the in-flight
// execution for key, or 0 if the task is not executing.
func (c *Cache[K, V]) SubscriberCount(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.inProgress[key]; ok {
		return len(e.observers)
	}
	return 0
}

// Shutdown stops the cache from accepting new tasks. In-progress tasks keep
// running to their natural outcome; subsequent Execute calls fail with
// [ErrCancelled]. Shutdown is idempotent.
func (c *Cache[K, V]) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateActive {
		c.state = statePendingShutdown
		c.maybeNotifyTerminationLocked()
	}
}

// ShutdownNow shuts the cache down, cancels every in-progress task and blocks
// until termination. Each cancelled task's subscribers fail with
// [ErrCancelled]. ShutdownNow is idempotent.
//
// The caller must not hold locks that producers or observers depend on.
func (c *Cache[K, V]) ShutdownNow() {
	c.Shutdown()

	c.mu.Lock()
	if c.state == statePendingShutdown {
		executions := make([]*execution[K, V], 0, len(c.inProgress))
		for _, e := range c.inProgress {
			executions = append(executions, e)
		}
		for _, e := range executions {
			e.cancelLocked()
		}
	}
	c.mu.Unlock()

	<-c.AwaitTermination().Done()
}

// AwaitTermination returns a waiter which completes once the cache has been
// shut down and no tasks remain in progress. If the cache already terminated
// the waiter is complete on return.
func (c *Cache[K, V]) AwaitTermination() *Termination {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateShutdown {
		return newCompletedTermination()
	}

	t := newTermination()
	t.dispose = func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.state != stateShutdown {
			c.removeWaiterLocked(t)
		}
	}
	c.waiters = append(c.waiters, t)
	return t
}

func (c *Cache[K, V]) removeWaiterLocked(t *Termination) {
	for i, waiter := range c.waiters {
		if waiter == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// maybeNotifyTerminationLocked advances the lifecycle to its final state. It
// must be called on every event that can complete a pending shutdown: the
// shutdown request itself and every removal from inProgress.
func (c *Cache[K, V]) maybeNotifyTerminationLocked() {
	if c.state != statePendingShutdown || len(c.inProgress) != 0 {
		return
	}

	c.state = stateShutdown

	for _, waiter := range c.waiters {
		waiter.complete()
	}
	c.waiters = nil
}

func (c *Cache[K, V]) emitLocked(event Event, key K) {
	if c.observer == nil {
		return
	}
	c.observer.On(EventData[K]{Event: event, Key: key})
}
