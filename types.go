package x402

import (
	"fmt"
	"strings"
	"time"
)

// Version is the x402 wire version emitted in challenges.
const Version = 1

// Header names used by the x402 exchange.
const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPayment         = "X-Payment"
	HeaderPaymentReceipt  = "X-Payment-Receipt"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Family is the ledger family a network belongs to.
type Family string

const (
	FamilyEVM Family = "evm"
	FamilySVM Family = "svm"
)

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Family maps the CAIP-2 namespace onto a ledger family.
func (n Network) Family() Family {
	namespace, _, err := n.Parse()
	if err != nil {
		return ""
	}
	switch namespace {
	case "eip155":
		return FamilyEVM
	case "solana":
		return FamilySVM
	}
	return ""
}

// NetworkDescriptor tells the client which ledger to pay on.
type NetworkDescriptor struct {
	ID      Network `json:"id"`
	Name    string  `json:"name"`
	Family  Family  `json:"family"`
	ChainID string  `json:"chainId,omitempty"`
}

// PaymentDescriptor describes what to pay and to whom.
type PaymentDescriptor struct {
	PaymentID string `json:"paymentId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	CoinType  string `json:"coinType"`
	Decimals  int    `json:"decimals"`
}

// TransactionTemplate is a ledger-specific description of the transfer
// the client is expected to broadcast.
type TransactionTemplate struct {
	Type      string   `json:"type"`
	Function  string   `json:"function"`
	Target    string   `json:"target"`
	Arguments []string `json:"arguments"`
}

// FacilitatorInfo tells the client where the facilitator lives and
// whether it sponsors gas.
type FacilitatorInfo struct {
	URL          string `json:"url"`
	Address      string `json:"address,omitempty"`
	GasSponsored bool   `json:"gasSponsored"`
}

// PaymentRequired is the 402 challenge body, mirrored base64-encoded in
// the X-Payment-Required header.
type PaymentRequired struct {
	X402Version int                 `json:"x402Version"`
	Network     NetworkDescriptor   `json:"network"`
	Payment     PaymentDescriptor   `json:"payment"`
	Transaction TransactionTemplate `json:"transaction"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	Facilitator FacilitatorInfo     `json:"facilitator"`
}

// PaymentHeader is the decoded X-Payment proof sent back by the client.
type PaymentHeader struct {
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
	TxHash    string `json:"txHash"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// PaymentReceipt is emitted in X-Payment-Receipt once a payment is accepted.
type PaymentReceipt struct {
	PaymentID   string    `json:"paymentId"`
	TxHash      string    `json:"txHash"`
	Status      string    `json:"status"`
	BlockNumber *uint64   `json:"blockNumber,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	Valid     bool            `json:"valid"`
	PaymentID string          `json:"paymentId"`
	TxHash    string          `json:"txHash,omitempty"`
	Error     string          `json:"error,omitempty"`
	Receipt   *PaymentReceipt `json:"receipt,omitempty"`
}

// SettleResult is the outcome of an on-chain leg executed by the
// facilitator. Chain failures are carried in Error rather than returned.
type SettleResult struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash,omitempty"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Error       string  `json:"error,omitempty"`
	Network     Network `json:"network,omitempty"`
	Payer       string  `json:"payer,omitempty"`
}

// VerifyResult is the facilitator's judgement of a client-broadcast
// transfer.
type VerifyResult struct {
	Valid       bool    `json:"valid"`
	Reason      string  `json:"reason,omitempty"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
}
