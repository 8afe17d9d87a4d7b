// Package slogobserver logs task cache events with log/slog.
package slogobserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hjellum/taskcache"
)

// Observer logs every cache event at Debug level.
type Observer[K any] struct {
	logger *slog.Logger
}

// New creates an observer logging to logger. Pass it to the cache with
// [taskcache.WithObserver].
func New[K any](logger *slog.Logger) *Observer[K] {
	return &Observer[K]{logger: logger}
}

func (o *Observer[K]) On(eventData taskcache.EventData[K]) {
	o.logger.LogAttrs(
		context.Background(),
		slog.LevelDebug,
		"Task cache event",
		slog.String("event", eventData.Event.String()),
		slog.String("key", fmt.Sprintf("%v", eventData.Key)),
	)
}

// Type assertion
var _ taskcache.Observer[string] = (*Observer[string])(nil)
