package taskcache

// Option configures a Cache created by New.
type Option[K comparable, V any] func(*Cache[K, V])

// WithObserver attaches an Observer that receives lifecycle events for the
// lifetime of the cache.
func WithObserver[K comparable, V any](o Observer[K]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.observer = o
	}
}
