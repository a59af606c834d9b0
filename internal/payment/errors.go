package payment

import (
	"errors"
	"fmt"

	"parkpay/internal/openpay"
)

var (
	ErrInvalidInput          = errors.New("payment: invalid input")
	ErrUpstreamUnavailable   = errors.New("payment: upstream unavailable")
	ErrGrantNegotiation      = errors.New("payment: grant negotiation failed")
	ErrGrantContinuation     = errors.New("payment: grant continuation failed")
	ErrPaymentNotPayable     = errors.New("payment: incoming payment is not payable")
	ErrOutgoingPaymentFailed = errors.New("payment: outgoing payment failed")
	ErrIncomingPaymentFailed = errors.New("payment: incoming payment failed")
	ErrNotFound              = errors.New("payment: resource not found")
)

// ErrorCode identifies a failure class for callers of the HTTP API.
type ErrorCode string

const (
	CodeInvalidInput            ErrorCode = "INVALID_INPUT"
	CodeUpstreamUnavailable     ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeGrantNegotiationFailed  ErrorCode = "GRANT_NEGOTIATION_FAILED"
	CodeGrantContinuationFailed ErrorCode = "GRANT_CONTINUATION_FAILED"
	CodePaymentNotPayable       ErrorCode = "PAYMENT_NOT_PAYABLE"
	CodeOutgoingPaymentFailed   ErrorCode = "OUTGOING_PAYMENT_FAILED"
	CodeIncomingPaymentFailed   ErrorCode = "INCOMING_PAYMENT_FAILED"
	CodeNotFound                ErrorCode = "NOT_FOUND"
)

var sentinels = map[ErrorCode]error{
	CodeInvalidInput:            ErrInvalidInput,
	CodeUpstreamUnavailable:     ErrUpstreamUnavailable,
	CodeGrantNegotiationFailed:  ErrGrantNegotiation,
	CodeGrantContinuationFailed: ErrGrantContinuation,
	CodePaymentNotPayable:       ErrPaymentNotPayable,
	CodeOutgoingPaymentFailed:   ErrOutgoingPaymentFailed,
	CodeIncomingPaymentFailed:   ErrIncomingPaymentFailed,
	CodeNotFound:                ErrNotFound,
}

// Attempt records one failed step of a fallback chain.
type Attempt struct {
	Strategy string `json:"strategy"`
	Status   int    `json:"status,omitempty"`
	Reason   string `json:"reason"`
}

// Error is the structured failure returned by every orchestrator operation.
// It matches its code's sentinel with errors.Is.
type Error struct {
	Code     ErrorCode
	Message  string
	// Status is the last upstream HTTP status, 0 when the failure was local.
	Status   int
	// Body is the last upstream response body.
	Body     string
	Attempts []Attempt
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  openpay.StatusOf(err),
		Body:    openpay.BodyOf(err),
		Err:     err,
	}
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// CompletionWarning reports that the payee-side completion step failed after
// a transfer was created. It never fails the session.
type CompletionWarning struct {
	IncomingPaymentID string
	Err               error
}

func (w *CompletionWarning) Error() string {
	return fmt.Sprintf("complete incoming payment %s: %v", w.IncomingPaymentID, w.Err)
}

func (w *CompletionWarning) Unwrap() error { return w.Err }
