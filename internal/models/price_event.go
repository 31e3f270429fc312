package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceEvent is an immutable price observation for an asset.
// ID increases with insertion order and breaks timestamp ties.
type PriceEvent struct {
	ID        int64           `json:"id" db:"id"`
	Asset     string          `json:"asset" db:"asset"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	Source    string          `json:"source" db:"source"`
	JobID     *string         `json:"jobId,omitempty" db:"job_id"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// TimestampMillis returns the event timestamp as epoch milliseconds
func (e *PriceEvent) TimestampMillis() int64 {
	return e.Timestamp.UnixMilli()
}

// Newer reports whether e supersedes other as the latest price for an asset
func (e *PriceEvent) Newer(other *PriceEvent) bool {
	if other == nil {
		return true
	}
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.After(other.Timestamp)
	}
	return e.ID > other.ID
}
