package svm

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
)

// ClientSvmSigner defines client-side Solana signing operations
type ClientSvmSigner interface {
	// Address returns the signer's Solana address
	Address() solana.PublicKey

	// SignTransaction adds the signer's signature to the transaction
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// FacilitatorSvmSigner defines the ledger operations the facilitator needs
// on Solana. The signer is the fee payer of every sponsored transaction.
type FacilitatorSvmSigner interface {
	// Address returns the fee payer's public key
	Address() solana.PublicKey

	// SignAsFeePayer adds the fee payer signature to the transaction
	SignAsFeePayer(ctx context.Context, tx *solana.Transaction) error

	// GetLatestBlockhash returns a blockhash to build transactions against
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)

	// GetMintDecimals reads the decimals of an SPL mint
	GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)

	// AccountExists reports whether an account is initialised on chain
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)

	// GetBalance returns the lamport balance of an account
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// GetTokenBalance returns owner's associated token account balance for mint
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)

	// SendTransaction submits a fully signed transaction
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// WaitForConfirmation blocks until the transaction is confirmed or fails
	WaitForConfirmation(ctx context.Context, sig solana.Signature) (uint64, error)

	// GetTransferredAmount returns how much of mint the confirmed transaction
	// moved from senderOwner's token accounts to recipientOwner's, and the
	// slot it landed in
	GetTransferredAmount(ctx context.Context, sig solana.Signature, mint, senderOwner, recipientOwner solana.PublicKey) (uint64, uint64, error)
}

// AssetInfo contains information about an SPL token
type AssetInfo struct {
	Mint     string
	Symbol   string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	Name         string
	DefaultAsset AssetInfo
}

// SponsoredTransaction is an unsigned transaction naming the facilitator as
// fee payer, handed to the sender for a detached signature.
type SponsoredTransaction struct {
	TransactionBytes string `json:"transactionBytes"`
	FeePayer         string `json:"feePayer"`
	Blockhash        string `json:"blockhash"`
	Amount           uint64 `json:"amount,omitempty"`
	Decimals         uint8  `json:"decimals,omitempty"`
}

// ExpectedTransfer is what a sponsored transfer must do to be co-signed.
type ExpectedTransfer struct {
	Sender    solana.PublicKey
	Recipient solana.PublicKey
	Mint      solana.PublicKey
	Amount    uint64
}

// TransferChecked is a decoded SPL TransferChecked instruction.
type TransferChecked struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Owner       solana.PublicKey
	Amount      uint64
	Decimals    uint8
}
