package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/metrics"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/retry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out a fixed backlog and records how deliveries were settled
type fakeSource struct {
	mu       sync.Mutex
	backlog  []*queue.Delivery
	acked    []string
	failed   []string
	dead     []string
	maxAsked int
	fetchErr error
	fetches  int
	reclaims int
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{}
	for i := 0; i < n; i++ {
		s.backlog = append(s.backlog, &queue.Delivery{
			ID:      fmt.Sprintf("%d-0", i+1),
			Job:     &queue.PriceJob{Asset: "BTC", Price: decimal.NewFromInt(int64(i + 1)), Timestamp: int64(i + 1)},
			Attempt: 1,
		})
	}
	return s
}

func (s *fakeSource) Fetch(ctx context.Context, max int) ([]*queue.Delivery, error) {
	s.mu.Lock()
	s.fetches++
	if max > s.maxAsked {
		s.maxAsked = max
	}
	if s.fetchErr != nil {
		err := s.fetchErr
		s.mu.Unlock()
		return nil, err
	}
	if len(s.backlog) == 0 {
		s.mu.Unlock()
		// Emulate a blocking read with nothing available
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}
	n := max
	if n > len(s.backlog) {
		n = len(s.backlog)
	}
	out := s.backlog[:n]
	s.backlog = s.backlog[n:]
	s.mu.Unlock()
	return out, nil
}

func (s *fakeSource) Reclaim(ctx context.Context, max int) ([]*queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaims++
	return nil, nil
}

func (s *fakeSource) Ack(ctx context.Context, d *queue.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, d.ID)
	return nil
}

func (s *fakeSource) Fail(ctx context.Context, d *queue.Delivery, cause error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, d.ID)
	if errors.IsPermanent(cause) {
		s.dead = append(s.dead, d.ID)
		return true, nil
	}
	return false, nil
}

func (s *fakeSource) settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked) + len(s.failed)
}

type processorFunc func(ctx context.Context, d *queue.Delivery) error

func (f processorFunc) Process(ctx context.Context, d *queue.Delivery) error {
	return f(ctx, d)
}

func newTestWorker(t *testing.T, source JobSource, processor JobProcessor, mutate func(cfg *PriceWorkerConfig)) (*PriceWorker, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	cfg := &PriceWorkerConfig{
		Source:          source,
		Processor:       processor,
		Concurrency:     3,
		JobTimeout:      time.Second,
		ReclaimInterval: time.Hour,
		FetchRetry: &retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		Metrics: reg,
	}
	if mutate != nil {
		mutate(cfg)
	}
	w, err := NewPriceWorker(cfg)
	require.NoError(t, err)
	return w, reg
}

func TestNewPriceWorker_Validation(t *testing.T) {
	_, err := NewPriceWorker(nil)
	assert.Error(t, err)

	_, err = NewPriceWorker(&PriceWorkerConfig{Source: newFakeSource(0)})
	assert.Error(t, err)

	w, err := NewPriceWorker(&PriceWorkerConfig{
		Source:    newFakeSource(0),
		Processor: processorFunc(func(context.Context, *queue.Delivery) error { return nil }),
	})
	require.NoError(t, err)
	assert.Equal(t, 10, w.concurrency)
}

func TestPriceWorker_ConcurrencyCeiling(t *testing.T) {
	source := newFakeSource(30)

	var current, peak atomic.Int32
	processor := processorFunc(func(ctx context.Context, d *queue.Delivery) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	w, reg := newTestWorker(t, source, processor, nil)
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool { return source.settled() == 30 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1), "jobs should run in parallel")
	assert.LessOrEqual(t, source.maxAsked, 3, "never fetches more than the free slots")
	assert.Len(t, source.acked, 30)
	assert.Equal(t, float64(30), testutil.ToFloat64(reg.JobsProcessed.WithLabelValues(metrics.ResultCompleted)))
	assert.Zero(t, w.InFlight())
}

func TestPriceWorker_FailuresAreSettled(t *testing.T) {
	source := newFakeSource(3)

	processor := processorFunc(func(ctx context.Context, d *queue.Delivery) error {
		switch d.ID {
		case "1-0":
			return nil
		case "2-0":
			return errors.NewMalformedJobError("price", "must be positive")
		default:
			return errors.NewDatabaseError("insert price event", stderrors.New("connection reset"))
		}
	})

	w, reg := newTestWorker(t, source, processor, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return source.settled() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	assert.Equal(t, []string{"1-0"}, source.acked)
	assert.ElementsMatch(t, []string{"2-0", "3-0"}, source.failed)
	assert.Equal(t, []string{"2-0"}, source.dead)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.JobsProcessed.WithLabelValues(metrics.ResultDeadLettered)))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.JobsProcessed.WithLabelValues(metrics.ResultRetry)))
}

func TestPriceWorker_JobTimeoutAndPanic(t *testing.T) {
	source := newFakeSource(2)

	processor := processorFunc(func(ctx context.Context, d *queue.Delivery) error {
		if d.ID == "1-0" {
			<-ctx.Done()
			return ctx.Err()
		}
		panic("boom")
	})

	w, _ := newTestWorker(t, source, processor, func(cfg *PriceWorkerConfig) {
		cfg.JobTimeout = 20 * time.Millisecond
	})
	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return source.settled() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	assert.ElementsMatch(t, []string{"1-0", "2-0"}, source.failed)
	assert.Empty(t, source.dead, "timeouts and panics are retryable")
}

func TestPriceWorker_StopWaitsForInFlight(t *testing.T) {
	source := newFakeSource(1)
	started := make(chan struct{})
	release := make(chan struct{})

	processor := processorFunc(func(ctx context.Context, d *queue.Delivery) error {
		close(started)
		<-release
		return nil
	})

	w, _ := newTestWorker(t, source, processor, nil)
	require.NoError(t, w.Start(context.Background()))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, []string{"1-0"}, source.acked)
}

func TestPriceWorker_StopTimeout(t *testing.T) {
	source := newFakeSource(1)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	processor := processorFunc(func(ctx context.Context, d *queue.Delivery) error {
		close(started)
		<-release
		return nil
	})

	w, _ := newTestWorker(t, source, processor, func(cfg *PriceWorkerConfig) {
		cfg.JobTimeout = 0
	})
	require.NoError(t, w.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(ctx), context.DeadlineExceeded)
}

func TestPriceWorker_StartStopLifecycle(t *testing.T) {
	w, _ := newTestWorker(t, newFakeSource(0), processorFunc(func(context.Context, *queue.Delivery) error { return nil }), nil)

	assert.Error(t, w.Stop(context.Background()), "stop before start")
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "double start")
	require.NoError(t, w.Stop(context.Background()))
}

func TestPriceWorker_FetchErrorsDoNotStopLoop(t *testing.T) {
	source := newFakeSource(2)
	source.fetchErr = errors.NewQueueError("read", stderrors.New("connection refused"))

	w, _ := newTestWorker(t, source, processorFunc(func(context.Context, *queue.Delivery) error { return nil }), nil)
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.fetches >= 4
	}, 2*time.Second, 5*time.Millisecond)

	source.mu.Lock()
	source.fetchErr = nil
	source.mu.Unlock()

	assert.Eventually(t, func() bool { return source.settled() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
}

func TestPriceWorker_ReclaimsOnInterval(t *testing.T) {
	source := newFakeSource(0)
	w, _ := newTestWorker(t, source, processorFunc(func(context.Context, *queue.Delivery) error { return nil }), func(cfg *PriceWorkerConfig) {
		cfg.ReclaimInterval = 10 * time.Millisecond
	})
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.reclaims >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
}

func TestPriceWorker_WithStreamQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	q, err := queue.NewStreamQueue(&queue.StreamQueueConfig{
		Client:       client,
		Stream:       "price-events",
		BlockTimeout: 20 * time.Millisecond,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	require.NoError(t, q.EnsureGroup(ctx))

	for i := int64(1); i <= 5; i++ {
		_, err := q.Publish(ctx, &queue.PriceJob{Asset: "ETH", Price: decimal.NewFromInt(i), Timestamp: i})
		require.NoError(t, err)
	}

	var processed atomic.Int32
	w, _ := newTestWorker(t, q, processorFunc(func(ctx context.Context, d *queue.Delivery) error {
		assert.NoError(t, d.DecodeErr)
		processed.Add(1)
		return nil
	}), nil)
	require.NoError(t, w.Start(ctx))

	assert.Eventually(t, func() bool { return processed.Load() == 5 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop(ctx))

	assert.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Pending == 0
	}, time.Second, 10*time.Millisecond)
}
