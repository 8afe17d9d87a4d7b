package taskcache_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hjellum/taskcache"
)

func unreachableProducer(t *testing.T) taskcache.Producer[string] {
	return func(ctx context.Context) (string, error) {
		t.Error("Unreachable producer executed")
		return "", nil
	}
}

func constProducer(value string) taskcache.Producer[string] {
	return func(ctx context.Context) (string, error) {
		return value, nil
	}
}

// blockUntilCancelled returns a producer that blocks until its context is
// cancelled, and a channel closed once the cancellation has been observed.
func blockUntilCancelled() (taskcache.Producer[string], chan struct{}) {
	cancelled := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	}
	return producer, cancelled
}

func requireResolved(t *testing.T, handle *taskcache.Handle[string]) (string, error) {
	t.Helper()
	select {
	case <-handle.Done():
	default:
		t.Fatal("handle not resolved")
	}
	return handle.Result()
}

func requirePending[T any](t *testing.T, done <-chan T) {
	t.Helper()
	select {
	case <-done:
		t.Fatal("resolved too early")
	default:
	}
}

func TestExecuteDeduplicatesSubscribers(t *testing.T) {
	c := taskcache.New[string, string]()

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	handles := make([]*taskcache.Handle[string], 100)
	for i := range handles {
		handles[i] = c.ExecuteIfNot("digest1", producer)
	}

	require.Equal(t, 100, c.SubscriberCount("digest1"))
	require.Equal(t, []string{"digest1"}, c.InProgressTasks())
	require.Empty(t, c.FinishedTasks())

	close(release)

	for _, handle := range handles {
		value, err := handle.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "value", value)
	}

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, []string{"digest1"}, c.FinishedTasks())
	assert.Empty(t, c.InProgressTasks())
}

func TestExecuteDeduplicatesConcurrentCallers(t *testing.T) {
	c := taskcache.New[string, string]()

	var calls atomic.Int32
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "value", nil
	}

	var group errgroup.Group
	for range 100 {
		group.Go(func() error {
			value, err := c.ExecuteIfNot("digest1", producer).Wait(context.Background())
			if err != nil {
				return err
			}
			if value != "value" {
				return errors.New("wrong value")
			}
			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteReturnsMemoizedValue(t *testing.T) {
	c := taskcache.New[string, string]()

	_, err := c.ExecuteIfNot("digest1", constProducer("value")).Wait(context.Background())
	require.NoError(t, err)

	handle := c.ExecuteIfNot("digest1", unreachableProducer(t))

	value, err := requireResolved(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestExecuteForceRunsFinishedTaskAgain(t *testing.T) {
	c := taskcache.New[string, string]()

	_, err := c.ExecuteIfNot("digest1", constProducer("old")).Wait(context.Background())
	require.NoError(t, err)

	release := make(chan struct{})
	var calls atomic.Int32
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "new", nil
	}

	handle := c.Execute("digest1", producer, true)

	// The stale value is dropped as soon as the re-execution starts: a key is
	// never finished and in progress at the same time.
	assert.Empty(t, c.FinishedTasks())
	assert.Equal(t, []string{"digest1"}, c.InProgressTasks())

	close(release)

	value, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", value)
	assert.EqualValues(t, 1, calls.Load())

	value, err = c.ExecuteIfNot("digest1", unreachableProducer(t)).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}

func TestExecuteDoesNotMemoizeErrors(t *testing.T) {
	c := taskcache.New[string, string]()

	producerErr := errors.New("upload failed")
	_, err := c.ExecuteIfNot("digest1", func(ctx context.Context) (string, error) {
		return "", producerErr
	}).Wait(context.Background())
	require.ErrorIs(t, err, producerErr)

	assert.Empty(t, c.FinishedTasks())
	assert.Empty(t, c.InProgressTasks())

	value, err := c.ExecuteIfNot("digest1", constProducer("retried")).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retried", value)
}

func TestErrorPropagatesToAllSubscribers(t *testing.T) {
	c := taskcache.New[string, string]()

	producerErr := errors.New("upload failed")
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		<-release
		return "", producerErr
	}

	first := c.ExecuteIfNot("digest1", producer)
	second := c.ExecuteIfNot("digest1", producer)

	close(release)

	_, err := first.Wait(context.Background())
	assert.ErrorIs(t, err, producerErr)
	_, err = second.Wait(context.Background())
	assert.ErrorIs(t, err, producerErr)
}

func TestDisposeLastSubscriberCancelsProducer(t *testing.T) {
	c := taskcache.New[string, string]()

	producer, cancelled := blockUntilCancelled()

	first := c.ExecuteIfNot("digest1", producer)
	second := c.ExecuteIfNot("digest1", producer)
	require.Equal(t, 2, c.SubscriberCount("digest1"))

	first.Dispose()
	require.Equal(t, 1, c.SubscriberCount("digest1"))
	requirePending(t, cancelled)

	second.Dispose()
	<-cancelled

	assert.Empty(t, c.InProgressTasks())
	assert.Empty(t, c.FinishedTasks())

	// Disposed subscribers never receive an outcome.
	requirePending(t, first.Done())
	requirePending(t, second.Done())

	// The next execution for the key starts fresh.
	value, err := c.ExecuteIfNot("digest1", constProducer("fresh")).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
}

func TestDisposeIsIdempotent(t *testing.T) {
	c := taskcache.New[string, string]()

	producer, _ := blockUntilCancelled()

	first := c.ExecuteIfNot("digest1", producer)
	second := c.ExecuteIfNot("digest1", producer)

	first.Dispose()
	first.Dispose()

	assert.Equal(t, 1, c.SubscriberCount("digest1"))

	second.Dispose()
}

func TestWaitDisposesOnContextCancellation(t *testing.T) {
	c := taskcache.New[string, string]()

	producer, _ := blockUntilCancelled()

	first := c.ExecuteIfNot("digest1", producer)
	second := c.ExecuteIfNot("digest1", producer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := second.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Only the waiting subscriber gave up; the task is still in flight.
	assert.Equal(t, 1, c.SubscriberCount("digest1"))
	assert.Equal(t, []string{"digest1"}, c.InProgressTasks())

	first.Dispose()
}

func TestSubscriberCountForAbsentTask(t *testing.T) {
	c := taskcache.New[string, string]()

	assert.Equal(t, 0, c.SubscriberCount("digest1"))

	_, err := c.ExecuteIfNot("digest1", constProducer("value")).Wait(context.Background())
	require.NoError(t, err)

	// Finished tasks have no execution and therefore no subscribers.
	assert.Equal(t, 0, c.SubscriberCount("digest1"))
}

func TestExecuteAfterShutdownFailsWithCancelled(t *testing.T) {
	c := taskcache.New[string, string]()
	c.Shutdown()

	handle := c.ExecuteIfNot("digest1", unreachableProducer(t))

	_, err := requireResolved(t, handle)
	require.ErrorIs(t, err, taskcache.ErrCancelled)
}

func TestShutdownLetsInFlightTasksFinish(t *testing.T) {
	c := taskcache.New[string, string]()

	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		<-release
		return "value", nil
	}

	handle := c.ExecuteIfNot("digest1", producer)

	c.Shutdown()
	waiter := c.AwaitTermination()
	requirePending(t, waiter.Done())

	close(release)

	value, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	require.NoError(t, waiter.Wait(context.Background()))
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := taskcache.New[string, string]()

	c.Shutdown()
	c.Shutdown()

	require.NoError(t, c.AwaitTermination().Wait(context.Background()))
}

func TestShutdownNowCancelsInFlightTasks(t *testing.T) {
	c := taskcache.New[string, string]()

	producer, cancelled := blockUntilCancelled()
	handle := c.ExecuteIfNot("digest1", producer)

	c.ShutdownNow()

	_, err := requireResolved(t, handle)
	require.ErrorIs(t, err, taskcache.ErrCancelled)

	<-cancelled
	assert.Empty(t, c.InProgressTasks())

	// Termination has already been reached.
	require.NoError(t, c.AwaitTermination().Wait(context.Background()))
}

func TestShutdownNowIsIdempotent(t *testing.T) {
	c := taskcache.New[string, string]()

	c.ShutdownNow()
	c.ShutdownNow()

	require.NoError(t, c.AwaitTermination().Wait(context.Background()))
}

func TestAwaitTerminationCompletesImmediatelyAfterShutdown(t *testing.T) {
	c := taskcache.New[string, string]()
	c.Shutdown()

	waiter := c.AwaitTermination()
	select {
	case <-waiter.Done():
	default:
		t.Fatal("termination waiter not completed")
	}
}

func TestAwaitTerminationWaiterCanBeDisposed(t *testing.T) {
	c := taskcache.New[string, string]()

	waiter := c.AwaitTermination()
	waiter.Dispose()

	c.Shutdown()

	// The deregistered waiter is never completed.
	requirePending(t, waiter.Done())

	require.NoError(t, c.AwaitTermination().Wait(context.Background()))
}

func TestAwaitTerminationWaitHonorsContext(t *testing.T) {
	c := taskcache.New[string, string]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.AwaitTermination().Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFinishedAndInProgressAreDisjoint(t *testing.T) {
	c := taskcache.New[string, string]()

	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		<-release
		return "value", nil
	}

	handle := c.ExecuteIfNot("digest1", producer)

	assert.Empty(t, c.FinishedTasks())
	assert.Equal(t, []string{"digest1"}, c.InProgressTasks())

	close(release)
	_, err := handle.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"digest1"}, c.FinishedTasks())
	assert.Empty(t, c.InProgressTasks())
}
