package alert

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/eq-rebalancer/internal/errors"
)

const insertDriftAlert = `INSERT INTO drift_alerts (
	portfolio_id, asset, drift, threshold, current_weight, target_weight,
	price, price_ts, trigger, detected_at
)`

// ClickHouseSink archives alerts in the drift_alerts table
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink creates a ClickHouse archive sink
func NewClickHouseSink(conn driver.Conn) (*ClickHouseSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("clickhouse connection cannot be nil")
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Name returns the sink name
func (s *ClickHouseSink) Name() string {
	return "clickhouse"
}

// Notify inserts the alert as one row
func (s *ClickHouseSink) Notify(ctx context.Context, alert Alert) error {
	batch, err := s.conn.PrepareBatch(ctx, insertDriftAlert)
	if err != nil {
		return errors.NewNotificationError(s.Name(), fmt.Errorf("prepare batch: %w", err))
	}

	if err := batch.Append(
		alert.PortfolioID,
		alert.Asset,
		alert.Drift,
		alert.Threshold,
		alert.CurrentWeight,
		alert.TargetWeight,
		alert.Price,
		alert.PriceTimestamp.UTC(),
		string(alert.Trigger),
		alert.DetectedAt.UTC(),
	); err != nil {
		_ = batch.Abort()
		return errors.NewNotificationError(s.Name(), fmt.Errorf("append row: %w", err))
	}

	if err := batch.Send(); err != nil {
		return errors.NewNotificationError(s.Name(), fmt.Errorf("send batch: %w", err))
	}
	return nil
}
