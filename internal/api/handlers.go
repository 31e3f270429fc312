package api

import (
	"net/http"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Ingestion statuses
const (
	ingestAccepted = "accepted"
	ingestRejected = "rejected"
	ingestFailed   = "failed"
)

// SubmitPriceRequest is the body of POST /api/prices
type SubmitPriceRequest struct {
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Timestamp *int64          `json:"timestamp,omitempty"` // epoch millis; defaults to now
	Source    string          `json:"source,omitempty"`
}

// SubmitPriceResponse is returned once the job is enqueued
type SubmitPriceResponse struct {
	JobID     string `json:"jobId"`
	Asset     string `json:"asset"`
	Timestamp int64  `json:"timestamp"`
}

// handleSubmitPrice handles POST /api/prices - enqueue a price-update job
func (s *Server) handleSubmitPrice(w http.ResponseWriter, r *http.Request) {
	var req SubmitPriceRequest
	if err := parseJSONBody(r, &req); err != nil {
		s.countIngest(ingestRejected)
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	job := &queue.PriceJob{
		Asset:  req.Asset,
		Price:  req.Price,
		Source: req.Source,
	}
	if req.Timestamp != nil {
		job.Timestamp = *req.Timestamp
	} else {
		job.Timestamp = s.now().UnixMilli()
	}

	if err := job.Validate(); err != nil {
		s.countIngest(ingestRejected)
		respondServiceError(w, err)
		return
	}

	jobID, err := s.queue.Publish(r.Context(), job)
	if err != nil {
		s.countIngest(ingestFailed)
		logging.FromContext(r.Context()).WithError(err).WithField("asset", job.Asset).Error("Failed to enqueue price job")
		respondServiceError(w, err)
		return
	}

	s.countIngest(ingestAccepted)
	respondJSON(w, http.StatusAccepted, &SubmitPriceResponse{
		JobID:     jobID,
		Asset:     job.Asset,
		Timestamp: job.Timestamp,
	})
}

func (s *Server) countIngest(status string) {
	if s.metrics != nil {
		s.metrics.PricesIngested.WithLabelValues(status).Inc()
	}
}

// handleGetLatestPrice handles GET /api/prices/{asset}/latest
func (s *Server) handleGetLatestPrice(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	if asset == "" {
		respondServiceError(w, errors.NewInvalidParameterError("asset", "is required"))
		return
	}

	event, err := s.prices.FindLatestPrice(r.Context(), asset)
	if err != nil {
		respondServiceError(w, errors.NewDatabaseError("find latest price", err))
		return
	}
	if event == nil {
		respondServiceError(w, errors.NewNotFoundError("price", asset))
		return
	}

	respondJSON(w, http.StatusOK, event)
}

// handleGetDrift handles GET /api/portfolios/{id}/drift - drift of every strategy asset
func (s *Server) handleGetDrift(w http.ResponseWriter, r *http.Request) {
	portfolioID := mux.Vars(r)["id"]
	if portfolioID == "" {
		respondServiceError(w, errors.NewInvalidParameterError("id", "is required"))
		return
	}

	report, err := s.drift.Report(r.Context(), portfolioID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleQueueStats handles GET /api/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
