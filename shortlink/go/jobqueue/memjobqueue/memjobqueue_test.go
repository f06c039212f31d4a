package memjobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.shortlink.dev/infra/shortlink/go/jobqueue"
)

func fastRetries(attempts int) time.Duration {
	return time.Millisecond
}

type payload struct {
	N int `json:"n"`
}

func TestEnqueue_HandlerRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()
	done := make(chan *jobqueue.Job, 1)
	s.RegisterHandler(jobqueue.KindMetadata, func(ctx context.Context, job *jobqueue.Job) error {
		done <- job
		return nil
	})
	s.Start(ctx)

	require.NoError(t, s.Enqueue(ctx, jobqueue.KindMetadata, payload{N: 7}))
	select {
	case job := <-done:
		var p payload
		require.NoError(t, job.DecodePayload(&p))
		require.Equal(t, 7, p.N)
		require.Equal(t, 1, job.Attempts)
		require.Equal(t, 3, job.MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEnqueue_UnknownKind(t *testing.T) {
	s := New()
	err := s.Enqueue(context.Background(), jobqueue.Kind("bogus"), nil)
	require.ErrorIs(t, err, jobqueue.ErrUnknownKind)
}

func TestRetry_FailuresRetryUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(WithRetryDelay(fastRetries))
	var attempts atomic.Int64
	done := make(chan bool, 1)
	s.RegisterHandler(jobqueue.KindEmail, func(ctx context.Context, job *jobqueue.Job) error {
		if attempts.Add(1) < 3 {
			return errTest
		}
		done <- true
		return nil
	})
	s.Start(ctx)

	require.NoError(t, s.Enqueue(ctx, jobqueue.KindEmail, nil))
	select {
	case <-done:
		require.Equal(t, int64(3), attempts.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
}

func TestRetry_DeadLetterAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(WithRetryDelay(fastRetries))
	var attempts atomic.Int64
	s.RegisterHandler(jobqueue.KindAnalytics, func(ctx context.Context, job *jobqueue.Job) error {
		attempts.Add(1)
		return errTest
	})
	s.Start(ctx)

	require.NoError(t, s.Enqueue(ctx, jobqueue.KindAnalytics, nil))
	// Analytics jobs get 2 attempts; wait long enough that a third would
	// have happened if dead-lettering were broken.
	require.Eventually(t, func() bool {
		return attempts.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(2), attempts.Load())
}

func TestBatchHandler_FlushesOnSizeAndInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(WithBatchFlushInterval(100 * time.Millisecond))
	var mutex sync.Mutex
	var batches [][]*jobqueue.Job
	s.RegisterBatchHandler(jobqueue.KindClickTracking, func(ctx context.Context, jobs []*jobqueue.Job) error {
		mutex.Lock()
		defer mutex.Unlock()
		batches = append(batches, jobs)
		return nil
	})
	s.Start(ctx)

	// A full batch flushes immediately.
	for i := 0; i < jobqueue.BatchSize; i++ {
		require.NoError(t, s.Enqueue(ctx, jobqueue.KindClickTracking, payload{N: i}))
	}
	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(batches) == 1 && len(batches[0]) == jobqueue.BatchSize
	}, 5*time.Second, 10*time.Millisecond)

	// A short batch flushes on the interval.
	require.NoError(t, s.Enqueue(ctx, jobqueue.KindClickTracking, payload{N: 99}))
	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(batches) == 2 && len(batches[1]) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEnqueue_FullQueueFailsOver(t *testing.T) {
	ctx := context.Background()
	// Never started, so nothing drains the queue.
	s := New(WithQueueDepth(2), WithEnqueueGrace(5*time.Millisecond))
	require.NoError(t, s.Enqueue(ctx, jobqueue.KindMetadata, nil))
	require.NoError(t, s.Enqueue(ctx, jobqueue.KindMetadata, nil))
	err := s.Enqueue(ctx, jobqueue.KindMetadata, nil)
	require.ErrorIs(t, err, jobqueue.ErrQueueFull)

	stats := s.Stats()
	require.Equal(t, 2, stats[jobqueue.KindMetadata].Pending)
	require.False(t, stats[jobqueue.KindMetadata].Processing)
}

var errTest = errors.New("synthetic failure")
