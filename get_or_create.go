package taskcache

import "context"

// GetOrCreate returns the value for key, running create at most once across
// all concurrent callers and memoizing the result. It blocks until the value
// is available, create fails, or ctx ends.
//
// Cancelling ctx abandons only this caller's subscription; the task keeps
// running for the benefit of other callers, and is cancelled once the last
// one gives up.
func GetOrCreate[K comparable, V any](ctx context.Context, c *Cache[K, V], key K, create Producer[V]) (V, error) {
	return c.ExecuteIfNot(key, create).Wait(ctx)
}
