// Package worker consumes price jobs with a bounded pool of goroutines.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/metrics"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/retry"
)

// JobSource is the transport the worker reads deliveries from
type JobSource interface {
	Fetch(ctx context.Context, max int) ([]*queue.Delivery, error)
	Reclaim(ctx context.Context, max int) ([]*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) (bool, error)
}

// JobProcessor handles one delivery
type JobProcessor interface {
	Process(ctx context.Context, d *queue.Delivery) error
}

// PriceWorker pulls price jobs and runs at most Concurrency of them at once.
// It only fetches as many deliveries as it has free slots; the rest wait in the transport.
type PriceWorker struct {
	source          JobSource
	processor       JobProcessor
	concurrency     int
	jobTimeout      time.Duration
	reclaimInterval time.Duration
	fetchRetry      *retry.Config
	metrics         *metrics.Registry
	logger          *logging.Logger

	workerSem chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// PriceWorkerConfig holds configuration for a price worker
type PriceWorkerConfig struct {
	Source      JobSource
	Processor   JobProcessor
	Concurrency int
	// JobTimeout bounds a single job; zero disables the deadline
	JobTimeout      time.Duration
	ReclaimInterval time.Duration
	// FetchRetry controls backoff when the transport read fails
	FetchRetry *retry.Config
	Metrics    *metrics.Registry
	Logger     *logging.Logger
}

// NewPriceWorker creates a new price worker
func NewPriceWorker(cfg *PriceWorkerConfig) (*PriceWorker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("job source cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("job processor cannot be nil")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	reclaimInterval := cfg.ReclaimInterval
	if reclaimInterval <= 0 {
		reclaimInterval = 15 * time.Second
	}
	fetchRetry := cfg.FetchRetry
	if fetchRetry == nil {
		fetchRetry = &retry.Config{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &PriceWorker{
		source:          cfg.Source,
		processor:       cfg.Processor,
		concurrency:     concurrency,
		jobTimeout:      cfg.JobTimeout,
		reclaimInterval: reclaimInterval,
		fetchRetry:      fetchRetry,
		metrics:         reg,
		logger:          logger.WithComponent("price-worker"),
		workerSem:       make(chan struct{}, concurrency),
	}, nil
}

// Start begins consuming jobs
func (w *PriceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("price worker is already running")
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	// Jobs outlive the fetch loop so Stop can let them finish
	jobCtx := context.WithoutCancel(ctx)
	go w.fetchLoop(fetchCtx, jobCtx, w.stopCh, w.doneCh)

	w.logger.WithFields(map[string]interface{}{
		"concurrency": w.concurrency,
		"jobTimeout":  w.jobTimeout.String(),
	}).Info("Price worker started")
	return nil
}

// Stop stops fetching and waits for in-flight jobs to finish, up to ctx's deadline
func (w *PriceWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("price worker is not running")
	}
	w.running = false
	close(w.stopCh)
	w.cancel()
	doneCh := w.doneCh
	w.mu.Unlock()

	w.logger.Info("Stopping price worker")

	select {
	case <-doneCh:
	case <-ctx.Done():
		return fmt.Errorf("price worker stop: %w", ctx.Err())
	}

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		w.logger.Info("Price worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.WithField("inFlight", len(w.workerSem)).Warn("Price worker stop timed out with jobs in flight")
		return fmt.Errorf("price worker stop: %w", ctx.Err())
	}
}

// InFlight returns the number of jobs currently running
func (w *PriceWorker) InFlight() int {
	return len(w.workerSem)
}

func (w *PriceWorker) fetchLoop(fetchCtx, jobCtx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()

	for {
		slots := w.acquireSlots(stopCh)
		if slots == 0 {
			return
		}

		reclaim := false
		select {
		case <-stopCh:
			w.releaseSlots(slots)
			return
		case <-ticker.C:
			reclaim = true
		default:
		}

		deliveries := w.next(fetchCtx, slots, reclaim)
		w.releaseSlots(slots - len(deliveries))

		for _, d := range deliveries {
			w.wg.Add(1)
			go w.handle(jobCtx, d)
		}
	}
}

// acquireSlots blocks for one free slot, then takes any other free slots without blocking.
// Returns 0 when the worker is stopping.
func (w *PriceWorker) acquireSlots(stopCh <-chan struct{}) int {
	select {
	case w.workerSem <- struct{}{}:
	case <-stopCh:
		return 0
	}

	slots := 1
	for slots < w.concurrency {
		select {
		case w.workerSem <- struct{}{}:
			slots++
		default:
			return slots
		}
	}
	return slots
}

func (w *PriceWorker) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		<-w.workerSem
	}
}

// next returns up to max deliveries, reclaiming stale entries first when due
func (w *PriceWorker) next(ctx context.Context, max int, reclaim bool) []*queue.Delivery {
	if reclaim {
		reclaimed, err := w.source.Reclaim(ctx, max)
		if err != nil {
			w.logger.WithError(err).Warn("Failed to reclaim pending jobs")
		}
		if len(reclaimed) > 0 {
			w.logger.WithField("count", len(reclaimed)).Info("Reclaimed pending jobs")
			return reclaimed
		}
	}

	var deliveries []*queue.Delivery
	result := retry.WithExponentialBackoff(ctx, w.fetchRetry, func(ctx context.Context, attempt int) error {
		var err error
		deliveries, err = w.source.Fetch(ctx, max)
		return err
	})
	if !result.Success && ctx.Err() == nil {
		w.logger.WithError(result.LastError).WithField("attempts", result.Attempts).Error("Failed to fetch price jobs")
	}
	if len(deliveries) > max {
		// Never run more than the slots we hold; the excess stays pending and is reclaimed later
		deliveries = deliveries[:max]
	}
	return deliveries
}

func (w *PriceWorker) handle(ctx context.Context, d *queue.Delivery) {
	defer w.wg.Done()
	defer func() { <-w.workerSem }()

	w.metrics.JobsInFlight.Inc()
	defer w.metrics.JobsInFlight.Dec()

	start := time.Now()
	err := w.process(ctx, d)
	duration := time.Since(start)

	logger := w.logger.WithFields(map[string]interface{}{
		"jobId":    d.ID,
		"asset":    jobAsset(d),
		"attempt":  d.Attempt,
		"duration": duration.String(),
	})

	// Settle on a fresh deadline; the job's own may already have expired
	settleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err == nil {
		if ackErr := w.source.Ack(settleCtx, d); ackErr != nil {
			logger.WithError(ackErr).Warn("Job completed but ack failed, it will be redelivered")
		}
		w.metrics.ObserveJob(metrics.ResultCompleted, duration)
		logger.Info("Job completed")
		return
	}

	deadLettered, failErr := w.source.Fail(settleCtx, d, err)
	if failErr != nil {
		logger.WithError(failErr).Error("Failed to record job failure")
	}

	if deadLettered {
		w.metrics.ObserveJob(metrics.ResultDeadLettered, duration)
		logger.WithError(err).WithField("permanent", errors.IsPermanent(err)).Error("Job failed and was dead-lettered")
		return
	}
	w.metrics.ObserveJob(metrics.ResultRetry, duration)
	logger.WithError(err).WithField("retryable", errors.IsRetryable(err)).Warn("Job failed, will be retried")
}

// process runs the processor under the job deadline and turns panics into errors
func (w *PriceWorker) process(ctx context.Context, d *queue.Delivery) (err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Sprintf("job panicked: %v", r), nil)
		}
	}()

	err = w.processor.Process(ctx, d)
	if err != nil && stderrors.Is(err, context.DeadlineExceeded) {
		err = errors.NewInternalError("job timed out", err)
	}
	return err
}

func jobAsset(d *queue.Delivery) string {
	if d.Job == nil {
		return ""
	}
	return d.Job.Asset
}
