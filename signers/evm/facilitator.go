package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402-foundation/x402-tabs/mechanisms/evm"
)

// Backend is the subset of *ethclient.Client the facilitator signer uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// DefaultReceiptPollInterval is how often WaitForTransactionReceipt polls.
const DefaultReceiptPollInterval = time.Second

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner over an RPC
// backend. It is the single owner of the facilitator key: every write goes
// through its nonce manager.
type FacilitatorSigner struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	backend      Backend
	nonces       *NonceManager
	pollInterval time.Duration

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error
}

// Option configures a FacilitatorSigner.
type Option func(*FacilitatorSigner)

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *FacilitatorSigner) {
		s.pollInterval = d
	}
}

// NewFacilitatorSigner creates a facilitator signer from a hex private key and backend.
func NewFacilitatorSigner(privateKeyHex string, backend Backend, opts ...Option) (*FacilitatorSigner, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	privateKey, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	s := &FacilitatorSigner{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		backend:      backend,
		nonces:       &NonceManager{},
		pollInterval: DefaultReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DialFacilitatorSigner connects to rpcURL and creates a facilitator signer.
func DialFacilitatorSigner(ctx context.Context, rpcURL, privateKeyHex string, opts ...Option) (*FacilitatorSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewFacilitatorSigner(privateKeyHex, client, opts...)
}

// Address returns the facilitator address.
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// GetChainID returns the chain ID of the connected network. The first answer is cached.
func (s *FacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	s.chainOnce.Do(func() {
		s.chainID, s.chainErr = s.backend.ChainID(ctx)
	})
	if s.chainErr != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", s.chainErr)
	}
	return new(big.Int).Set(s.chainID), nil
}

// GetNativeBalance returns the wei balance of address.
func (s *FacilitatorSigner) GetNativeBalance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := s.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// ReadContract reads data from a smart contract.
func (s *FacilitatorSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, data, err := packCall(abiBytes, functionName, args...)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract signs and sends a contract call from the facilitator key.
// Gas is estimated first, so calls that would revert fail without consuming
// a nonce.
func (s *FacilitatorSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	_, data, err := packCall(abiBytes, functionName, args...)
	if err != nil {
		return "", err
	}
	to := common.HexToAddress(contractAddress)

	chainID, err := s.GetChainID(ctx)
	if err != nil {
		return "", err
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("%s reverted: %w", functionName, err)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee(head), big.NewInt(2)))

	var hash common.Hash
	err = s.nonces.Submit(ctx,
		func(ctx context.Context) (uint64, error) {
			return s.backend.PendingNonceAt(ctx, s.address)
		},
		func(ctx context.Context, nonce uint64) error {
			tx := types.NewTx(&types.DynamicFeeTx{
				ChainID:   chainID,
				Nonce:     nonce,
				GasTipCap: tip,
				GasFeeCap: feeCap,
				Gas:       gas + gas/5,
				To:        &to,
				Data:      data,
			})
			signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
			if err != nil {
				return fmt.Errorf("failed to sign transaction: %w", err)
			}
			if err := s.backend.SendTransaction(ctx, signed); err != nil {
				return fmt.Errorf("failed to send %s: %w", functionName, err)
			}
			hash = signed.Hash()
			return nil
		})
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or ctx ends.
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return convertReceipt(receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func packCall(abiBytes []byte, functionName string, args ...interface{}) (abi.ABI, []byte, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return abi.ABI{}, nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return abi.ABI{}, nil, fmt.Errorf("failed to pack method call: %w", err)
	}
	return contractABI, data, nil
}

func baseFee(head *types.Header) *big.Int {
	if head == nil || head.BaseFee == nil {
		return big.NewInt(0)
	}
	return head.BaseFee
}

func convertReceipt(r *types.Receipt) *x402evm.TransactionReceipt {
	out := &x402evm.TransactionReceipt{
		Status: r.Status,
		TxHash: r.TxHash.Hex(),
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out.Logs = append(out.Logs, x402evm.Log{
			Address: l.Address.Hex(),
			Topics:  topics,
			Data:    l.Data,
		})
	}
	return out
}
