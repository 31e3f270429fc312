package alert

import (
	"context"

	"github.com/eq-rebalancer/internal/logging"
)

// LogSink writes each alert as a structured warning
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log sink; a nil logger uses the global logger
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogSink{logger: logger.WithComponent("alert")}
}

// Name returns the sink name
func (s *LogSink) Name() string {
	return "log"
}

// Notify logs the alert
func (s *LogSink) Notify(_ context.Context, alert Alert) error {
	s.logger.WithFields(map[string]interface{}{
		"portfolioId":    alert.PortfolioID,
		"asset":          alert.Asset,
		"drift":          Percent(alert.Drift),
		"threshold":      Percent(alert.Threshold),
		"currentWeight":  alert.CurrentWeight.String(),
		"targetWeight":   alert.TargetWeight.String(),
		"price":          alert.Price.String(),
		"priceTimestamp": alert.PriceTimestamp.UnixMilli(),
		"trigger":        string(alert.Trigger),
	}).Warnf("Drift detected on portfolio %s: %s (threshold: %s)",
		alert.PortfolioID, Percent(alert.Drift), Percent(alert.Threshold))
	return nil
}
