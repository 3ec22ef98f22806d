package svm

import (
	solana "github.com/gagliardetto/solana-go"
)

const (
	// CAIP-2 network identifiers (genesis hash prefixes)
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"

	// USDC mints
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

	// Program addresses
	ComputeBudgetProgramAddress   = "ComputeBudget111111111111111111111111111111"
	TokenProgramAddress           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenProgramAddress = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	MemoProgramAddress            = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

	// DefaultDecimals is used when the mint cannot be read.
	DefaultDecimals = 6

	// DefaultComputeUnits is the default compute unit limit for transactions.
	DefaultComputeUnits uint32 = 200_000

	// DefaultComputeUnitPrice is the default compute unit price in microlamports.
	DefaultComputeUnitPrice uint64 = 10_000

	// MaxComputeUnitPrice caps the priority fee a client-returned transaction
	// may charge the fee payer.
	MaxComputeUnitPrice uint64 = 5_000_000

	// FeePayerBalanceFloor is the operational floor of 0.001 SOL in lamports.
	FeePayerBalanceFloor uint64 = 1_000_000

	// Instruction discriminators
	discriminatorSetComputeUnitLimit = 2
	discriminatorSetComputeUnitPrice = 3
	discriminatorTransferChecked     = 12
	discriminatorCreateIdempotent    = 1

	// RegistrationMemoPrefix tags the memo signed by an account being registered.
	RegistrationMemoPrefix = "x402:register:"
)

var (
	ComputeBudgetProgramID   = solana.MustPublicKeyFromBase58(ComputeBudgetProgramAddress)
	TokenProgramID           = solana.MustPublicKeyFromBase58(TokenProgramAddress)
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58(AssociatedTokenProgramAddress)
	MemoProgramID            = solana.MustPublicKeyFromBase58(MemoProgramAddress)
	SystemProgramID          = solana.SystemProgramID

	// Network configurations
	NetworkConfigs = map[string]NetworkConfig{
		SolanaMainnetCAIP2: {
			Name: "Solana",
			DefaultAsset: AssetInfo{
				Mint:     USDCMainnetAddress,
				Symbol:   "USDC",
				Decimals: DefaultDecimals,
			},
		},
		SolanaDevnetCAIP2: {
			Name: "Solana Devnet",
			DefaultAsset: AssetInfo{
				Mint:     USDCDevnetAddress,
				Symbol:   "USDC",
				Decimals: DefaultDecimals,
			},
		},
	}
)

// LookupNetwork returns the configuration for a CAIP-2 network id.
func LookupNetwork(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}
