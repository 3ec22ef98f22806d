package evm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Default token decimals for USDC
	DefaultDecimals = 6

	// Function names used by the permit flow
	FunctionNonces       = "nonces"
	FunctionName         = "name"
	FunctionDecimals     = "decimals"
	FunctionPermit       = "permit"
	FunctionTransferFrom = "transferFrom"
	FunctionTransfer     = "transfer"
	FunctionBalanceOf    = "balanceOf"

	// PrimaryTypePermit is the EIP-712 primary type of an EIP-2612 permit.
	PrimaryTypePermit = "Permit"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultPermitWindow is how long a generated permit stays valid.
	DefaultPermitWindow = time.Hour

	// DeadlineBuffer is the time buffer (in seconds) added when checking
	// deadline expiration to account for block propagation time.
	DeadlineBuffer = 6
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// NativeBalanceFloor is the operational floor for the facilitator's gas
	// balance: 0.001 ETH.
	NativeBalanceFloor = big.NewInt(1_000_000_000_000_000)

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

	// Network configurations
	NetworkConfigs = map[string]NetworkConfig{
		// Base Mainnet
		"eip155:8453": {
			ChainID: ChainIDBase,
			Name:    "Base",
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Symbol:   "USDC",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		// Base Sepolia Testnet
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			Name:    "Base Sepolia",
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Symbol:   "USDC",
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	// EIP2612NoncesABI reads the permit nonce of an owner
	EIP2612NoncesABI = []byte(`[
		{
			"inputs": [{"name": "owner", "type": "address"}],
			"name": "nonces",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20NameABI reads the token's display name, which is also its EIP-712 domain name
	ERC20NameABI = []byte(`[
		{
			"inputs": [],
			"name": "name",
			"outputs": [{"name": "", "type": "string"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20DecimalsABI reads the token's decimals
	ERC20DecimalsABI = []byte(`[
		{
			"inputs": [],
			"name": "decimals",
			"outputs": [{"name": "", "type": "uint8"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP2612PermitABI applies a signed permit with split v,r,s
	EIP2612PermitABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "permit",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20TransferFromABI moves permitted funds
	ERC20TransferFromABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"}
			],
			"name": "transferFrom",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP712DomainTypes is the full EIP-712 domain used by EIP-2612 tokens.
	EIP712DomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// PermitTypes defines the EIP-2612 Permit struct.
	// Field order MUST match the token contract's PERMIT_TYPEHASH.
	PermitTypes = []TypedDataField{
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}
)

// GetEIP2612EIP712Types returns the complete EIP-712 types map for permit signing.
func GetEIP2612EIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":    EIP712DomainTypes,
		PrimaryTypePermit: PermitTypes,
	}
}

// LookupNetwork returns the configuration for a CAIP-2 network id.
func LookupNetwork(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}
