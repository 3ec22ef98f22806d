package svm

import (
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal token amount into base units for a mint
// with the given decimals. Excess precision is rejected.
func ParseAmount(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", amount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	v := shifted.BigInt()
	if !v.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows u64", amount)
	}
	return v.Uint64(), nil
}

// FormatAmount converts base units back into a decimal amount.
func FormatAmount(value uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(value), -int32(decimals))
}

// ParsePublicKey parses a base58 address, naming the field on failure.
func ParsePublicKey(field, address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s address %q: %w", field, address, err)
	}
	return pk, nil
}
