// Package types provides common type definitions for the rebalancer engine.
package types

// EvaluationTrigger identifies what caused a drift evaluation
type EvaluationTrigger string

const (
	// TriggerPriceEvent is an evaluation caused by a consumed price event
	TriggerPriceEvent EvaluationTrigger = "price_event"
	// TriggerSweep is an evaluation caused by the periodic sweep
	TriggerSweep EvaluationTrigger = "sweep"
	// TriggerOnDemand is an evaluation requested through the API
	TriggerOnDemand EvaluationTrigger = "on_demand"
)

// DefaultPriceSource is the source recorded for price events without an explicit source
const DefaultPriceSource = "queue"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
