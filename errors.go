package taskcache

import "errors"

// ErrCancelled is the terminal error for work the cache refused or tore
// down: tasks submitted after shutdown and subscribers of tasks cancelled by
// [Cache.ShutdownNow]. Producer errors are propagated verbatim and never
// wrap ErrCancelled unless the producer chose to.
var ErrCancelled = errors.New("cancelled")
