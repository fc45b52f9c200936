package payment

import "encoding/json"

// Failure codes carried in Result.Error.
const (
	CodeNoSession         = "NO_SESSION"
	CodeStrategyNotFound  = "STRATEGY_NOT_FOUND"
	CodeMethodUnavailable = "METHOD_UNAVAILABLE"
	CodeValidation        = "VALIDATION_ERROR"
	CodeProcessing        = "PROCESSING_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
	CodeUserCancelled     = "USER_CANCELLED"
	CodeSheetFailed       = "PAYMENT_SHEET_FAILED"
	CodeGatewayRejected   = "GATEWAY_REJECTED"
	CodeGatewayDown       = "GATEWAY_UNAVAILABLE"
	CodeAlreadyCompleted  = "ALREADY_COMPLETED"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeRetryLimit        = "RETRY_LIMIT_EXCEEDED"
	CodeSessionBusy       = "SESSION_BUSY"
)

// Error describes why a payment did not succeed and whether trying again can help.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// NewError constructs an Error.
func NewError(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// Result is the uniform outcome of processing a payment.
type Result struct {
	Success       bool            `json:"success"`
	Status        Status          `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	RedirectURL   string          `json:"redirectUrl,omitempty"`
	Error         *Error          `json:"error,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Failed builds a failed Result.
func Failed(code, message string, retryable bool) Result {
	return Result{Status: StatusFailed, Error: NewError(code, message, retryable)}
}

// ErrorMessage returns the failure message or "".
func (r Result) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}
