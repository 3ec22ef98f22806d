package svm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402svm "github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// RPC is the subset of *rpc.Client the fee payer uses.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// DefaultConfirmationPollInterval is how often WaitForConfirmation polls.
const DefaultConfirmationPollInterval = 500 * time.Millisecond

// FeePayerSigner implements x402svm.FacilitatorSvmSigner. It pays fees and
// rent for sponsored transactions but never signs as a token authority.
type FeePayerSigner struct {
	privateKey   solana.PrivateKey
	client       RPC
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

// FeePayerOption configures a FeePayerSigner.
type FeePayerOption func(*FeePayerSigner)

// WithConfirmationPollInterval overrides the confirmation polling interval.
func WithConfirmationPollInterval(d time.Duration) FeePayerOption {
	return func(s *FeePayerSigner) {
		s.pollInterval = d
	}
}

// NewFeePayerSigner creates a fee payer from a base58 private key and an RPC client.
func NewFeePayerSigner(privateKeyBase58 string, client RPC, opts ...FeePayerOption) (*FeePayerSigner, error) {
	if client == nil {
		return nil, errors.New("rpc client is required")
	}
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	s := &FeePayerSigner{
		privateKey:   privateKey,
		client:       client,
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: DefaultConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DialFeePayerSigner creates a fee payer talking to the JSON-RPC endpoint at rpcURL.
func DialFeePayerSigner(rpcURL, privateKeyBase58 string, opts ...FeePayerOption) (*FeePayerSigner, error) {
	return NewFeePayerSigner(privateKeyBase58, rpc.New(rpcURL), opts...)
}

// Address returns the fee payer public key.
func (s *FeePayerSigner) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignAsFeePayer adds the fee payer signature to tx.
func (s *FeePayerSigner) SignAsFeePayer(ctx context.Context, tx *solana.Transaction) error {
	if !tx.Message.AccountKeys[0].Equals(s.Address()) {
		return x402svm.ErrFeePayerMismatch
	}
	_, err := signTransactionWithPrivateKey(ctx, s.privateKey, tx)
	return err
}

// GetLatestBlockhash returns a finalized blockhash.
func (s *FeePayerSigner) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// GetMintDecimals reads the decimals field of an SPL mint account.
func (s *FeePayerSigner) GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	info, err := s.client.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(info.GetBinary()).Decode(&m); err != nil {
		return 0, fmt.Errorf("failed to decode mint: %w", err)
	}
	return m.Decimals, nil
}

// AccountExists reports whether account has been created on chain.
func (s *FeePayerSigner) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := s.client.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get account: %w", err)
	}
	return true, nil
}

// GetBalance returns the lamport balance of account.
func (s *FeePayerSigner) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := s.client.GetBalance(ctx, account, s.commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return out.Value, nil
}

// GetTokenBalance returns the balance of owner's associated token account.
// A missing account has a zero balance.
func (s *FeePayerSigner) GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, err := x402svm.DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, err
	}
	exists, err := s.AccountExists(ctx, ata)
	if err != nil || !exists {
		return 0, err
	}
	out, err := s.client.GetTokenAccountBalance(ctx, ata, s.commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get token balance: %w", err)
	}
	if out.Value == nil {
		return 0, nil
	}
	return strconv.ParseUint(out.Value.Amount, 10, 64)
}

// SendTransaction submits a signed transaction with preflight checks.
func (s *FeePayerSigner) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// WaitForConfirmation polls the signature status until it is confirmed,
// fails on chain, or ctx ends. It returns the slot.
func (s *FeePayerSigner) WaitForConfirmation(ctx context.Context, sig solana.Signature) (uint64, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		out, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return 0, fmt.Errorf("failed to get signature status: %w", err)
		}
		if len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return 0, fmt.Errorf("transaction %s failed: %v", sig, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return status.Slot, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetTransferredAmount returns how much of mint moved from senderOwner to
// recipientOwner in the confirmed transaction sig, and its slot. The amount
// is the recipient's credit capped by the sender's debit, so a transfer
// funded by any other owner counts as zero.
func (s *FeePayerSigner) GetTransferredAmount(ctx context.Context, sig solana.Signature, mint, senderOwner, recipientOwner solana.PublicKey) (uint64, uint64, error) {
	version := uint64(0)
	out, err := s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     s.commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get transaction: %w", err)
	}
	if out.Meta == nil {
		return 0, 0, fmt.Errorf("transaction %s has no meta", sig)
	}
	if out.Meta.Err != nil {
		return 0, 0, fmt.Errorf("transaction %s failed: %v", sig, out.Meta.Err)
	}

	credited, err := balanceDelta(out.Meta, mint, recipientOwner)
	if err != nil {
		return 0, 0, err
	}
	debited, err := balanceDelta(out.Meta, mint, senderOwner)
	if err != nil {
		return 0, 0, err
	}
	// deltas are post minus pre, so a sender that paid has a negative one
	if credited <= 0 || debited >= 0 {
		return 0, out.Slot, nil
	}
	if -debited < credited {
		return uint64(-debited), out.Slot, nil
	}
	return uint64(credited), out.Slot, nil
}

func balanceDelta(meta *rpc.TransactionMeta, mint, owner solana.PublicKey) (int64, error) {
	pre, err := ownerBalance(meta.PreTokenBalances, mint, owner)
	if err != nil {
		return 0, err
	}
	post, err := ownerBalance(meta.PostTokenBalances, mint, owner)
	if err != nil {
		return 0, err
	}
	return int64(post) - int64(pre), nil
}

func ownerBalance(balances []rpc.TokenBalance, mint, owner solana.PublicKey) (uint64, error) {
	var total uint64
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) || !b.Mint.Equals(mint) || b.UiTokenAmount == nil {
			continue
		}
		v, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid token amount %q: %w", b.UiTokenAmount.Amount, err)
		}
		total += v
	}
	return total, nil
}
