package x402

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatAmount renders a human-unit amount for the wire with at least two
// fraction digits, e.g. "50.00" or "12.345678".
func FormatAmount(d decimal.Decimal) string {
	if d.Truncate(2).Equal(d) {
		return d.StringFixed(2)
	}
	return d.String()
}

// ValidatePaymentHeader performs basic validation on a decoded X-Payment header
func ValidatePaymentHeader(h PaymentHeader) error {
	if h.PaymentID == "" {
		return fmt.Errorf("paymentId is required")
	}
	if h.Payer == "" {
		return fmt.Errorf("payer is required")
	}
	if h.TxHash == "" {
		return fmt.Errorf("txHash is required")
	}
	if h.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

// ValidatePaymentRequired performs basic validation on a challenge before it
// is sent to a client.
func ValidatePaymentRequired(p PaymentRequired, now time.Time) error {
	if p.X402Version < 1 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Network.ID == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payment.PaymentID == "" {
		return fmt.Errorf("paymentId is required")
	}
	if p.Payment.Recipient == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if p.Payment.CoinType == "" {
		return fmt.Errorf("payment coinType is required")
	}
	if !p.ExpiresAt.After(now) {
		return fmt.Errorf("challenge already expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// SameAddress compares two ledger addresses. EVM hex addresses compare
// case-insensitively; base58 addresses must match exactly.
func SameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
