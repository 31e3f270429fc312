package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/metrics"
)

// Emitter hands alerts to sinks without blocking the caller.
// Alerts are buffered and delivered by a single dispatcher goroutine; when the
// buffer is full the alert is dropped with a warning.
type Emitter struct {
	sink    *MultiSink
	timeout time.Duration
	metrics *metrics.Registry
	logger  *logging.Logger

	mu      sync.RWMutex
	alerts  chan Alert
	running bool
	closed  bool
	doneCh  chan struct{}
}

// EmitterConfig holds configuration for an Emitter
type EmitterConfig struct {
	Sinks      []Sink
	BufferSize int
	// Timeout bounds each delivery to the sinks
	Timeout time.Duration
	Metrics *metrics.Registry
	Logger  *logging.Logger
}

// NewEmitter creates an emitter
func NewEmitter(cfg *EmitterConfig) (*Emitter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.Sinks) == 0 {
		return nil, fmt.Errorf("at least one alert sink is required")
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	e := &Emitter{
		timeout: timeout,
		metrics: reg,
		logger:  logger.WithComponent("alert-emitter"),
		alerts:  make(chan Alert, bufferSize),
		doneCh:  make(chan struct{}),
	}
	e.sink = NewMultiSink(cfg.Sinks, e.recordDelivery)

	return e, nil
}

// Start launches the dispatcher
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("alert emitter is stopped")
	}
	if e.running {
		return fmt.Errorf("alert emitter is already running")
	}
	e.running = true

	go e.dispatch(context.WithoutCancel(ctx))

	e.logger.WithFields(map[string]interface{}{
		"sinks":      e.sink.Len(),
		"bufferSize": cap(e.alerts),
	}).Info("Alert emitter started")
	return nil
}

// Emit queues an alert for delivery and reports whether it was accepted
func (e *Emitter) Emit(alert Alert) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.logger.WithField("portfolioId", alert.PortfolioID).Warn("Alert emitted after shutdown, dropping")
		e.metrics.AlertsDropped.Inc()
		return false
	}

	select {
	case e.alerts <- alert:
		return true
	default:
		e.logger.WithFields(map[string]interface{}{
			"portfolioId": alert.PortfolioID,
			"asset":       alert.Asset,
			"drift":       Percent(alert.Drift),
		}).Warn("Alert buffer full, dropping alert")
		e.metrics.AlertsDropped.Inc()
		return false
	}
}

// Pending returns the number of buffered alerts
func (e *Emitter) Pending() int {
	return len(e.alerts)
}

// Stop stops accepting alerts and waits until the buffer has drained
func (e *Emitter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := e.running
	close(e.alerts)
	e.mu.Unlock()

	if !running {
		return nil
	}

	select {
	case <-e.doneCh:
		e.logger.Info("Alert emitter stopped")
		return nil
	case <-ctx.Done():
		e.logger.WithField("pending", len(e.alerts)).Warn("Alert emitter stop timed out")
		return ctx.Err()
	}
}

func (e *Emitter) dispatch(ctx context.Context) {
	defer close(e.doneCh)

	for alert := range e.alerts {
		e.deliver(ctx, alert)
	}
}

func (e *Emitter) deliver(ctx context.Context, alert Alert) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Per-sink failures are logged in recordDelivery
	_ = e.sink.Notify(ctx, alert)
}

func (e *Emitter) recordDelivery(sink string, err error) {
	if err == nil {
		e.metrics.AlertsDelivered.WithLabelValues(sink).Inc()
		return
	}
	e.metrics.AlertsFailed.WithLabelValues(sink).Inc()
	e.logger.WithError(err).WithField("sink", sink).Warn("Alert delivery failed")
}
