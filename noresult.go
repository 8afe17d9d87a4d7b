package taskcache

import "context"

// CompletionProducer is the lazy asynchronous work for a task without a
// result. It must return exactly once, with nil or an error.
type CompletionProducer func(ctx context.Context) error

// NoResult is a [Cache] for tasks that produce no value, such as
// fire-and-forget blob uploads keyed by digest. Only completion and errors
// are tracked.
type NoResult[K comparable] struct {
	cache *Cache[K, struct{}]
}

// NewNoResult creates an empty completion-only cache.
func NewNoResult[K comparable](opts ...Option[K, struct{}]) *NoResult[K] {
	return &NoResult[K]{cache: New(opts...)}
}

// ExecuteIfNot is [Cache.ExecuteIfNot] for a completion-only task.
func (n *NoResult[K]) ExecuteIfNot(key K, producer CompletionProducer) *CompletionHandle {
	return n.Execute(key, producer, false)
}

// Execute is [Cache.Execute] for a completion-only task.
func (n *NoResult[K]) Execute(key K, producer CompletionProducer, force bool) *CompletionHandle {
	handle := n.cache.Execute(key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, producer(ctx)
	}, force)
	return &CompletionHandle{handle: handle}
}

// FinishedTasks returns the keys of all tasks which finished successfully.
func (n *NoResult[K]) FinishedTasks() []K {
	return n.cache.FinishedTasks()
}

// InProgressTasks returns the keys of all tasks which are still executing.
func (n *NoResult[K]) InProgressTasks() []K {
	return n.cache.InProgressTasks()
}

// SubscriberCount returns the number of live subscriptions on the in-flight
// execution for key.
func (n *NoResult[K]) SubscriberCount(key K) int {
	return n.cache.SubscriberCount(key)
}

// Shutdown stops the cache from accepting new tasks. See [Cache.Shutdown].
func (n *NoResult[K]) Shutdown() {
	n.cache.Shutdown()
}

// ShutdownNow shuts the cache down, cancels every in-progress task and
// blocks until termination. See [Cache.ShutdownNow].
func (n *NoResult[K]) ShutdownNow() {
	n.cache.ShutdownNow()
}

// AwaitTermination returns a waiter which completes once the cache has
// terminated. See [Cache.AwaitTermination].
func (n *NoResult[K]) AwaitTermination() *Termination {
	return n.cache.AwaitTermination()
}

// CompletionHandle is a caller's subscription to a completion-only task.
type CompletionHandle struct {
	handle *Handle[struct{}]
}

// Done returns a channel that is closed once the task outcome is available.
func (h *CompletionHandle) Done() <-chan struct{} {
	return h.handle.Done()
}

// Err returns the task outcome. It must only be called after Done is closed.
func (h *CompletionHandle) Err() error {
	_, err := h.handle.Result()
	return err
}

// Wait blocks until the task completes or ctx ends. If ctx ends first the
// handle is disposed and ctx's error is returned.
func (h *CompletionHandle) Wait(ctx context.Context) error {
	_, err := h.handle.Wait(ctx)
	return err
}

// Dispose gives up this subscription. See [Handle.Dispose].
func (h *CompletionHandle) Dispose() {
	h.handle.Dispose()
}
