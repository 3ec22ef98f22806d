package evm

import (
	"context"
	"math/big"
)

// ClientEvmSigner defines the interface for client-side EVM signing operations
type ClientEvmSigner interface {
	// Address returns the signer's Ethereum address
	Address() string

	// SignTypedData signs EIP-712 typed data
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// FacilitatorEvmSigner defines the ledger operations the facilitator needs
// on an EVM chain. Implementations own the gas-paying key and must serialize
// nonce allocation across concurrent WriteContract calls.
type FacilitatorEvmSigner interface {
	// Address returns the facilitator's address, the permit spender
	Address() string

	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract executes a smart contract transaction
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetNativeBalance returns the gas-token balance of an address in wei
	GetNativeBalance(ctx context.Context, address string) (*big.Int, error)

	// GetChainID returns the chain ID of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Log is an event emitted by a mined transaction.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    []byte   `json:"data"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	Logs        []Log  `json:"logs,omitempty"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Symbol   string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	Name         string
	DefaultAsset AssetInfo
}

// PermitMessage is the EIP-2612 Permit struct.
type PermitMessage struct {
	Owner    string   `json:"owner"`
	Spender  string   `json:"spender"`
	Value    *big.Int `json:"value"`
	Nonce    *big.Int `json:"nonce"`
	Deadline *big.Int `json:"deadline"`
}

// Map converts the message into the shape go-ethereum's typed-data hasher expects.
func (m PermitMessage) Map() map[string]interface{} {
	return map[string]interface{}{
		"owner":    NormalizeAddress(m.Owner),
		"spender":  NormalizeAddress(m.Spender),
		"value":    m.Value,
		"nonce":    m.Nonce,
		"deadline": m.Deadline,
	}
}

// PermitData is the signing payload handed to the owner of the funds. It is
// produced per request and never persisted.
type PermitData struct {
	PaymentID          string                      `json:"paymentId"`
	Domain             TypedDataDomain             `json:"domain"`
	Types              map[string][]TypedDataField `json:"types"`
	PrimaryType        string                      `json:"primaryType"`
	Message            PermitMessage               `json:"message"`
	FacilitatorAddress string                      `json:"facilitatorAddress"`
	Recipient          string                      `json:"recipient"`
	Value              string                      `json:"value"`
	Decimals           int                         `json:"decimals"`
	Deadline           int64                       `json:"deadline"`
}

// Signature is an ECDSA signature split into its on-chain components.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}
