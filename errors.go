package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches any PaymentError carrying the same code, so callers can
// compare against the sentinels below with errors.Is.
func (e *PaymentError) Is(target error) bool {
	var pe *PaymentError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code
}

// Common error codes
const (
	ErrCodeNotConfigured          = "not_configured"
	ErrCodeInvalidState           = "invalid_state"
	ErrCodeNotFound               = "not_found"
	ErrCodeChainRead              = "chain_read_error"
	ErrCodeHeaderFormat           = "header_format"
	ErrCodeValidation             = "validation_error"
	ErrCodeNoUnsettledPayments    = "no_unsettled_payments"
	ErrCodeRefundInProgress       = "refund_in_progress"
	ErrCodeAmountExceedsPayment   = "amount_exceeds_payment"
	ErrCodePaymentExpired         = "payment_expired"
	ErrCodeSponsorshipUnavailable = "sponsorship_unavailable"
	ErrCodeSettlementFailed       = "settlement_failed"
	ErrCodeRefundFailed           = "refund_failed"
)

var (
	ErrNotConfigured          = &PaymentError{Code: ErrCodeNotConfigured}
	ErrInvalidState           = &PaymentError{Code: ErrCodeInvalidState}
	ErrNotFound               = &PaymentError{Code: ErrCodeNotFound}
	ErrChainRead              = &PaymentError{Code: ErrCodeChainRead}
	ErrHeaderFormat           = &PaymentError{Code: ErrCodeHeaderFormat}
	ErrValidation             = &PaymentError{Code: ErrCodeValidation}
	ErrNoUnsettledPayments    = &PaymentError{Code: ErrCodeNoUnsettledPayments}
	ErrRefundInProgress       = &PaymentError{Code: ErrCodeRefundInProgress}
	ErrAmountExceedsPayment   = &PaymentError{Code: ErrCodeAmountExceedsPayment}
	ErrPaymentExpired         = &PaymentError{Code: ErrCodePaymentExpired}
	ErrSponsorshipUnavailable = &PaymentError{Code: ErrCodeSponsorshipUnavailable}
	ErrSettlementFailed       = &PaymentError{Code: ErrCodeSettlementFailed}
	ErrRefundFailed           = &PaymentError{Code: ErrCodeRefundFailed}
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewNotConfiguredError reports a missing facilitator identity.
func NewNotConfiguredError(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrCodeNotConfigured, fmt.Sprintf(format, args...), nil)
}

// NewInvalidStateError reports an operation against an entity in the wrong
// lifecycle state.
func NewInvalidStateError(entity, id, status, expected string) *PaymentError {
	return NewPaymentError(ErrCodeInvalidState,
		fmt.Sprintf("%s %s is %s, expected %s", entity, id, status, expected),
		map[string]interface{}{"id": id, "status": status, "expected": expected})
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(entity, id string) *PaymentError {
	return NewPaymentError(ErrCodeNotFound, fmt.Sprintf("%s %s not found", entity, id),
		map[string]interface{}{"id": id})
}

// NewChainReadError wraps a failed read-only ledger call.
func NewChainReadError(op string, err error) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeChainRead,
		Message: fmt.Sprintf("%s: %v", op, err),
		Err:     err,
	}
}

// NewHeaderFormatError wraps a malformed x402 header.
func NewHeaderFormatError(header string, err error) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeHeaderFormat,
		Message: fmt.Sprintf("malformed %s header: %v", header, err),
		Err:     err,
	}
}

// NewValidationError reports a request that failed boundary validation.
func NewValidationError(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrCodeValidation, fmt.Sprintf(format, args...), nil)
}

// NewSettlementFailedError reports an on-chain payment leg that did not go
// through. reason is the facilitator's error code.
func NewSettlementFailedError(reason string) *PaymentError {
	return NewPaymentError(ErrCodeSettlementFailed, reason, map[string]interface{}{"reason": reason})
}

// NewRefundFailedError reports an on-chain refund leg that did not go through.
func NewRefundFailedError(reason string) *PaymentError {
	return NewPaymentError(ErrCodeRefundFailed, reason, map[string]interface{}{"reason": reason})
}
