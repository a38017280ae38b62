package contracts

import (
	"errors"
	"fmt"
)

// Error codes carried in failure responses.
const (
	CodeUnknownOperation = "UnknownOperation"
	CodeHandlerFailed    = "HandlerFailed"
)

// ErrorDetail is the structured failure payload of a ResponseEnvelope. It
// doubles as a Go error so worker handlers can return one directly to declare
// a business failure, as opposed to an unexpected fault.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorDetail creates an error detail with the given code and message.
func NewErrorDetail(code, message string) *ErrorDetail {
	return &ErrorDetail{Code: code, Message: message}
}

// Failf creates a HandlerFailed error detail with a formatted message.
func Failf(format string, args ...any) *ErrorDetail {
	return &ErrorDetail{Code: CodeHandlerFailed, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsErrorDetail extracts an ErrorDetail from err, if one is present in its
// chain. Handlers that return any other error are treated as faulted.
func AsErrorDetail(err error) (*ErrorDetail, bool) {
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail, true
	}
	return nil, false
}
