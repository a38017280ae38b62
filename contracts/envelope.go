package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome reports how a request terminated on the worker side.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// RequestEnvelope wraps an outbound request for transport over the work queue.
// CorrelationID is immutable once assigned and unique among in-flight requests.
type RequestEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	ReplyTarget   string          `json:"replyTarget"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	IssuedAt      time.Time       `json:"issuedAt"`
}

// NewRequestEnvelope creates a request envelope with a generated correlation
// id and the current timestamp.
func NewRequestEnvelope(operation string, payload json.RawMessage, replyTarget string) RequestEnvelope {
	return RequestEnvelope{
		CorrelationID: uuid.New().String(),
		ReplyTarget:   replyTarget,
		Operation:     operation,
		Payload:       payload,
		IssuedAt:      time.Now().UTC(),
	}
}

// ResponseEnvelope carries a worker's result back to the caller. Exactly one
// of Data and ErrorDetail is set, depending on Outcome.
type ResponseEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Outcome       Outcome         `json:"outcome"`
	Data          json.RawMessage `json:"data,omitempty"`
	ErrorDetail   *ErrorDetail    `json:"errorDetail,omitempty"`
	CompletedAt   time.Time       `json:"completedAt"`
}

// NewSuccessResponse builds a success response for the given correlation id.
func NewSuccessResponse(correlationID string, data json.RawMessage) ResponseEnvelope {
	return ResponseEnvelope{
		CorrelationID: correlationID,
		Outcome:       OutcomeSuccess,
		Data:          data,
		CompletedAt:   time.Now().UTC(),
	}
}

// NewFailureResponse builds a failure response for the given correlation id.
func NewFailureResponse(correlationID string, detail *ErrorDetail) ResponseEnvelope {
	return ResponseEnvelope{
		CorrelationID: correlationID,
		Outcome:       OutcomeFailure,
		ErrorDetail:   detail,
		CompletedAt:   time.Now().UTC(),
	}
}

// IsSuccess reports whether the response carries a successful outcome.
func (r ResponseEnvelope) IsSuccess() bool {
	return r.Outcome == OutcomeSuccess
}
