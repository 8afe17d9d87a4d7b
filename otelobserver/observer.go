// Package otelobserver instruments a task cache with OpenTelemetry metrics
// and traces.
package otelobserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hjellum/taskcache"
)

const scopeName = "github.com/hjellum/taskcache/otelobserver"

type metricsCollection struct {
	eventCount    metric.Int64Counter
	tasksInFlight metric.Int64UpDownCounter
	taskDuration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (metricsCollection, error) {
	eventCount, err := meter.Int64Counter(
		"taskcache/event_count",
		metric.WithDescription("Total number of task cache events"),
	)
	if err != nil {
		return metricsCollection{}, fmt.Errorf("failed to create event count metric: %w", err)
	}

	tasksInFlight, err := meter.Int64UpDownCounter(
		"taskcache/tasks_in_flight",
		metric.WithDescription("Number of task executions currently in progress"),
	)
	if err != nil {
		return metricsCollection{}, fmt.Errorf("failed to create tasks in flight metric: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"taskcache/task_duration_seconds",
		metric.WithDescription("Execution time of tasks that reached a terminal outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return metricsCollection{}, fmt.Errorf("failed to create task duration metric: %w", err)
	}

	return metricsCollection{
		eventCount:    eventCount,
		tasksInFlight: tasksInFlight,
		taskDuration:  taskDuration,
	}, nil
}

type runningTask struct {
	startedAt time.Time
	span      trace.Span
}

// Observer records task cache events as OpenTelemetry metrics and opens a
// span per execution, from miss to terminal outcome.
type Observer[K comparable] struct {
	metrics metricsCollection
	tracer  trace.Tracer

	mu      sync.Mutex
	running map[K]runningTask
}

// New creates an observer against the globally registered meter and tracer
// providers. Pass it to the cache with [taskcache.WithObserver].
func New[K comparable]() (*Observer[K], error) {
	metrics, err := newMetrics(otel.Meter(scopeName))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Observer[K]{
		metrics: metrics,
		tracer:  otel.Tracer(scopeName),
		running: make(map[K]runningTask),
	}, nil
}

func (o *Observer[K]) On(eventData taskcache.EventData[K]) {
	ctx := context.Background()

	o.metrics.eventCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventData.Event.String()),
	))

	switch eventData.Event {
	case taskcache.EventMiss:
		// NOTE: Potentially high cardinality attribute
		_, span := o.tracer.Start(ctx, "taskcache.execute",
			trace.WithAttributes(attribute.String("taskcache.key", fmt.Sprintf("%v", eventData.Key))),
		)

		o.metrics.tasksInFlight.Add(ctx, 1)

		o.mu.Lock()
		o.running[eventData.Key] = runningTask{startedAt: time.Now(), span: span}
		o.mu.Unlock()
	case taskcache.EventSuccess, taskcache.EventError, taskcache.EventCancelled:
		o.mu.Lock()
		task, ok := o.running[eventData.Key]
		delete(o.running, eventData.Key)
		o.mu.Unlock()

		if !ok {
			return
		}

		o.metrics.tasksInFlight.Add(ctx, -1)
		o.metrics.taskDuration.Record(ctx, time.Since(task.startedAt).Seconds(), metric.WithAttributes(
			attribute.String("outcome", eventData.Event.String()),
		))

		if eventData.Event == taskcache.EventSuccess {
			task.span.SetStatus(codes.Ok, "")
		} else {
			task.span.SetStatus(codes.Error, eventData.Event.String())
		}
		task.span.End()
	}
}

// Type assertion
var _ taskcache.Observer[string] = (*Observer[string])(nil)
