package taskcache

import (
	"context"
	"fmt"
)

// execution is one in-flight invocation of a producer, shared among all
// subscribers for its key. It owns the producer goroutine and fans the single
// terminal outcome out to its observers.
//
// All fields except cache, key and producer are guarded by cache.mu. Once
// terminated is set no new observer may attach and no further outcome is
// delivered.
type execution[K comparable, V any] struct {
	cache    *Cache[K, V]
	key      K
	producer Producer[V]

	observers      []*Handle[V]
	terminated     bool
	cancelUpstream context.CancelFunc
}

// attachLocked registers a new subscriber and returns its handle. The caller
// holds cache.mu, which also guarantees the execution is still live: a
// terminated execution is never reachable through inProgress.
func (e *execution[K, V]) attachLocked() *Handle[V] {
	if e.terminated {
		panic(fmt.Sprintf("taskcache: subscribe to terminated execution for key %v", e.key))
	}

	handle := newHandle[V]()
	handle.detach = func() { e.remove(handle) }
	e.observers = append(e.observers, handle)
	return handle
}

// startLocked launches the producer. Starting happens under cache.mu so that
// two simultaneous callers cannot both start it; the producer itself runs in
// its own goroutine outside the lock.
func (e *execution[K, V]) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelUpstream = cancel

	go func() {
		value, err := e.producer(ctx)
		if err != nil {
			e.fail(err)
		} else {
			e.succeed(value)
		}
		cancel()
	}()
}

func (e *execution[K, V]) succeed(value V) {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()

	if e.terminated {
		return
	}

	delete(e.cache.inProgress, e.key)
	e.cache.finished[e.key] = value
	e.terminated = true

	e.cache.emitLocked(EventSuccess, e.key)

	// Snapshot so observers disposing during notification don't shift the
	// list under us. Delivery order is registration order.
	for _, handle := range snapshot(e.observers) {
		handle.resolve(value, nil)
	}
	e.observers = nil

	e.cache.maybeNotifyTerminationLocked()
}

func (e *execution[K, V]) fail(err error) {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()

	e.failLocked(err, EventError)
}

func (e *execution[K, V]) failLocked(err error, event Event) {
	if e.terminated {
		return
	}

	delete(e.cache.inProgress, e.key)
	e.terminated = true

	e.cache.emitLocked(event, e.key)

	var zero V
	for _, handle := range snapshot(e.observers) {
		handle.resolve(zero, err)
	}
	e.observers = nil

	e.cache.maybeNotifyTerminationLocked()
}

// remove drops one subscriber. The last removal terminates the execution:
// the entry leaves inProgress, the producer is cancelled and no outcome is
// delivered.
func (e *execution[K, V]) remove(handle *Handle[V]) {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()

	for i, observer := range e.observers {
		if observer == handle {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			break
		}
	}

	if len(e.observers) == 0 && !e.terminated {
		delete(e.cache.inProgress, e.key)
		e.terminated = true

		if e.cancelUpstream != nil {
			e.cancelUpstream()
		}

		e.cache.emitLocked(EventCancelled, e.key)
		e.cache.maybeNotifyTerminationLocked()
	}
}

// cancelLocked force-terminates the execution, failing every subscriber with
// ErrCancelled. Used by ShutdownNow.
func (e *execution[K, V]) cancelLocked() {
	if e.terminated {
		return
	}

	if e.cancelUpstream != nil {
		e.cancelUpstream()
	}

	e.failLocked(fmt.Errorf("task %v: %w", e.key, ErrCancelled), EventCancelled)
}

func snapshot[T any](handles []T) []T {
	copied := make([]T, len(handles))
	copy(copied, handles)
	return copied
}
