package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(h string) ([]byte, error) {
	h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// NormalizeAddress returns the checksummed form of an address.
func NormalizeAddress(address string) string {
	return common.HexToAddress(address).Hex()
}

// IsValidAddress reports whether s is a 20-byte hex address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// ParseAmount converts a human-readable decimal amount into the token's
// smallest unit. Amounts with more precision than the token supports are
// rejected rather than truncated.
func ParseAmount(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative: %s", amount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatAmount converts a smallest-unit amount back into a decimal.
func FormatAmount(value *big.Int, decimals int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals))
}
