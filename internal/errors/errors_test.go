package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/eq-rebalancer/internal/types"
)

func TestCategorize_Wrapped(t *testing.T) {
	base := NewDatabaseError("insert price event", stderrors.New("connection reset"))
	wrapped := fmt.Errorf("process job j-1: %w", base)

	got := Categorize(wrapped)
	if got != base {
		t.Fatalf("Categorize() = %v, want the wrapped categorized error", got)
	}
	if got.Category != CategoryDatabase {
		t.Errorf("Category = %v, want %v", got.Category, CategoryDatabase)
	}
}

func TestCategorize_Unknown(t *testing.T) {
	got := Categorize(stderrors.New("boom"))
	if got.Category != CategorySystem || got.Code != "INTERNAL_ERROR" {
		t.Errorf("Categorize() = %+v, want internal system error", got)
	}
	if Categorize(nil) != nil {
		t.Error("Categorize(nil) should be nil")
	}
}

func TestCategorize_ServiceError(t *testing.T) {
	got := Categorize(&types.ServiceError{Code: "PORTFOLIO_NOT_FOUND", Message: "portfolio not found"})
	if got.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, http.StatusNotFound)
	}
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantPermanent bool
	}{
		{
			name:          "malformed job",
			err:           NewMalformedJobError("price", "must be positive"),
			wantRetryable: false,
			wantPermanent: true,
		},
		{
			name:          "undecodable payload",
			err:           NewUndecodableJobError(stderrors.New("unexpected EOF")),
			wantRetryable: false,
			wantPermanent: true,
		},
		{
			name:          "database failure",
			err:           NewDatabaseError("find portfolios", stderrors.New("timeout")),
			wantRetryable: true,
		},
		{
			name:          "cache failure",
			err:           NewCacheError("latest price", stderrors.New("i/o timeout")),
			wantRetryable: true,
		},
		{
			name:          "queue failure",
			err:           NewQueueError("ack", stderrors.New("EOF")),
			wantRetryable: true,
		},
		{
			name:          "notification failure",
			err:           NewNotificationError("webhook", stderrors.New("502")),
			wantRetryable: false,
		},
		{
			name:          "unknown error",
			err:           stderrors.New("unexpected"),
			wantRetryable: true,
		},
		{
			name: "nil",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
			if got := IsPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}

func TestGetHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid parameter", NewInvalidParameterError("limit", "must be positive"), http.StatusBadRequest},
		{"not found", NewNotFoundError("portfolio", "p-1"), http.StatusNotFound},
		{"rate limit", NewRateLimitError(), http.StatusTooManyRequests},
		{"queue", NewQueueError("publish", stderrors.New("EOF")), http.StatusServiceUnavailable},
		{"nil", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
