package facilitator

import (
	"errors"
	"strings"

	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// Error codes carried in SettleResult.Error and VerifyResult.Reason
const (
	// Permit errors
	ErrDeadlineExpired        = "permit_deadline_expired"
	ErrInvalidSignatureFormat = "invalid_permit_signature_format"
	ErrInvalidSignature       = "invalid_permit_signature"
	ErrInvalidPermit          = "invalid_permit"
	ErrFailedToReadNonce      = "failed_to_read_permit_nonce"
	ErrFailedToReadToken      = "failed_to_read_token"
	ErrPermitFailed           = "permit_failed"
	ErrPermitReverted         = "permit_transaction_failed"
	ErrTransferFailed         = "transfer_from_failed"
	ErrTransferReverted       = "transfer_from_transaction_failed"
	ErrFailedToGetReceipt     = "failed_to_get_receipt"
	ErrInsufficientBalance    = "insufficient_balance"
	ErrInsufficientAllowance  = "insufficient_allowance"

	// Sponsored transaction errors
	ErrInvalidTransaction     = "invalid_sponsored_transaction"
	ErrFeePayerMismatch       = "fee_payer_mismatch"
	ErrFeePayerInAccounts     = "fee_payer_in_instruction_accounts"
	ErrUnexpectedProgram      = "unexpected_program"
	ErrComputePriceTooHigh    = "compute_unit_price_too_high"
	ErrTransferMismatch       = "transfer_mismatch"
	ErrRegistrationMismatch   = "registration_mismatch"
	ErrInvalidSenderSignature = "invalid_sender_signature"
	ErrFailedToSign           = "failed_to_sign_as_fee_payer"
	ErrFailedToSend           = "failed_to_send_transaction"
	ErrConfirmationFailed     = "transaction_confirmation_failed"

	// Transfer verification errors
	ErrReceiptNotFound      = "transaction_not_found"
	ErrTransactionFailed    = "transaction_failed"
	ErrTransferNotFound     = "transfer_not_found"
	ErrInsufficientTransfer = "insufficient_transfer_amount"

	ErrAborted = "submission_aborted"
)

// parseRevertError extracts meaningful error codes from token contract reverts.
func parseRevertError(err error, fallback string) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "expired deadline"),
		strings.Contains(msg, "ERC2612ExpiredSignature"),
		strings.Contains(msg, "permit is expired"):
		return ErrDeadlineExpired
	case strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "ERC2612InvalidSigner"),
		strings.Contains(msg, "INVALID_SIGNER"):
		return ErrInvalidSignature
	case strings.Contains(msg, "transfer amount exceeds balance"),
		strings.Contains(msg, "ERC20InsufficientBalance"):
		return ErrInsufficientBalance
	case strings.Contains(msg, "insufficient allowance"),
		strings.Contains(msg, "ERC20InsufficientAllowance"):
		return ErrInsufficientAllowance
	default:
		return fallback
	}
}

// sponsoredErrorCode maps transaction validation failures onto result codes.
func sponsoredErrorCode(err error) string {
	switch {
	case errors.Is(err, svm.ErrFeePayerMismatch):
		return ErrFeePayerMismatch
	case errors.Is(err, svm.ErrFeePayerInAccounts):
		return ErrFeePayerInAccounts
	case errors.Is(err, svm.ErrUnexpectedProgram):
		return ErrUnexpectedProgram
	case errors.Is(err, svm.ErrComputePriceTooHigh):
		return ErrComputePriceTooHigh
	case errors.Is(err, svm.ErrTransferMismatch):
		return ErrTransferMismatch
	case errors.Is(err, svm.ErrRegistrationMismatch):
		return ErrRegistrationMismatch
	case errors.Is(err, svm.ErrSenderSignature):
		return ErrInvalidSenderSignature
	default:
		return ErrInvalidTransaction
	}
}
