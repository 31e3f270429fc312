// Package alert delivers drift breaches to notification sinks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/types"
	"github.com/shopspring/decimal"
)

// Alert is a drift breach for one asset of one portfolio
type Alert struct {
	PortfolioID    string                  `json:"portfolioId"`
	Asset          string                  `json:"asset"`
	Drift          decimal.Decimal         `json:"drift"`
	Threshold      decimal.Decimal         `json:"threshold"`
	CurrentWeight  decimal.Decimal         `json:"currentWeight"`
	TargetWeight   decimal.Decimal         `json:"targetWeight"`
	Price          decimal.Decimal         `json:"price"`
	PriceTimestamp time.Time               `json:"priceTimestamp"`
	Trigger        types.EvaluationTrigger `json:"trigger"`
	DetectedAt     time.Time               `json:"detectedAt"`
}

var hundred = decimal.NewFromInt(100)

// Percent formats a fraction as a percentage with two decimals, e.g. 0.5 -> "50.00%"
func Percent(fraction decimal.Decimal) string {
	return fraction.Mul(hundred).StringFixed(2) + "%"
}

// Sink receives drift alerts
type Sink interface {
	Notify(ctx context.Context, alert Alert) error
}

// SinkName returns the name a sink reports in logs and metrics
func SinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, alert Alert) error

// Notify calls f
func (f SinkFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// MultiSink fans an alert out to every sink. A failing sink does not stop delivery to the others.
type MultiSink struct {
	sinks    []Sink
	onResult func(sink string, err error)
}

// NewMultiSink creates a fan-out sink. onResult, if set, is called once per sink per alert.
func NewMultiSink(sinks []Sink, onResult func(sink string, err error)) *MultiSink {
	return &MultiSink{sinks: sinks, onResult: onResult}
}

// Name returns the sink name
func (m *MultiSink) Name() string {
	return "multi"
}

// Len returns the number of wrapped sinks
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Notify delivers alert to every sink and joins their errors
func (m *MultiSink) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range m.sinks {
		err := notifySink(ctx, s, alert)
		if m.onResult != nil {
			m.onResult(SinkName(s), err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notifySink calls one sink; a panic is reported as that sink's failure
func notifySink(ctx context.Context, s Sink, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewNotificationError(SinkName(s), fmt.Errorf("sink panicked: %v", r))
		}
	}()
	return s.Notify(ctx, alert)
}
