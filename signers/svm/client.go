package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	x402svm "github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// ClientSigner implements x402svm.ClientSvmSigner using a signing callback.
// Payers and store wallets use it to produce the detached signature a
// sponsored transaction needs.
type ClientSigner struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
}

// NewClientSigner creates a client signer from a public key and signing callback.
func NewClientSigner(publicKey solana.PublicKey, signFunc SignTransactionFunc) (*ClientSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	return &ClientSigner{
		publicKey:       publicKey,
		signTransaction: signFunc,
	}, nil
}

// NewClientSignerFromPrivateKey creates a client signer from a base58-encoded private key.
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	signFunc := func(ctx context.Context, tx *solana.Transaction) error {
		_, err := signTransactionWithPrivateKey(ctx, privateKey, tx)
		return err
	}
	return NewClientSigner(privateKey.PublicKey(), signFunc)
}

// Address returns the Solana public key of the signer.
func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

// SignTransaction partially signs a Solana transaction at the signer's index.
func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return s.signTransaction(ctx, tx)
}

// SignDetached signs the transaction and returns the
// base58 sender authenticator the sponsored submit endpoints accept.
func (s *ClientSigner) SignDetached(ctx context.Context, tx *solana.Transaction) (string, error) {
	if err := s.signTransaction(ctx, tx); err != nil {
		return "", err
	}
	idx, err := tx.GetAccountIndex(s.publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to get account index: %w", err)
	}
	return tx.Signatures[idx].String(), nil
}

func signTransactionWithPrivateKey(_ context.Context, privateKey solana.PrivateKey, tx *solana.Transaction) (solana.Signature, error) {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get account index: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature

	return signature, nil
}
