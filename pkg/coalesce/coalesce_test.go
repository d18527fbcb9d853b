package coalesce_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nix-community/debuginfod/pkg/coalesce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrInsertCoalescesConcurrentCallers(t *testing.T) {
	c := coalesce.New[string]()

	var calls int32

	start := make(chan struct{})

	const n = 20

	results := make([]string, n)
	errs := make([]error, n)

	done := make(chan int, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			<-start

			v, err := c.GetOrInsert(context.Background(), "k", func(ctx context.Context) (string, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)

				return "result", nil
			})
			results[i] = v
			errs[i] = err
			done <- i
		}(i)
	}

	close(start)

	for i := 0; i < n; i++ {
		<-done
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "result", results[i])
	}
}

func TestGetOrInsertPropagatesError(t *testing.T) {
	c := coalesce.New[string]()

	wantErr := errors.New("boom")

	_, err := c.GetOrInsert(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestGetOrInsertCancelledWaiterDoesNotStarveProducer(t *testing.T) {
	c := coalesce.New[string]()

	ctx, cancel := context.WithCancel(context.Background())

	producerDone := make(chan struct{})

	go func() {
		_, _ = c.GetOrInsert(ctx, "k", func(ctx context.Context) (string, error) {
			time.Sleep(20 * time.Millisecond)
			close(producerDone)

			return "value", nil
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	<-producerDone

	v, err := c.GetOrInsert(context.Background(), "k2", func(ctx context.Context) (string, error) {
		return "value2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value2", v)
}

func TestGetOrInsertRunsFreshProducerAfterCompletion(t *testing.T) {
	c := coalesce.New[int]()

	var calls int32

	for i := 0; i < 3; i++ {
		v, err := c.GetOrInsert(context.Background(), "k", func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}
}

func TestInFlightReflectsRunningProducer(t *testing.T) {
	c := coalesce.New[struct{}]()

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = c.GetOrInsert(context.Background(), "busy", func(ctx context.Context) (struct{}, error) {
			close(started)
			<-release

			return struct{}{}, nil
		})
	}()

	<-started
	assert.True(t, c.InFlight("busy"))
	assert.False(t, c.InFlight("idle"))

	close(release)

	assert.Eventually(t, func() bool {
		return !c.InFlight("busy")
	}, time.Second, time.Millisecond)
}
