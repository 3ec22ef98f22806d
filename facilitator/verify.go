package facilitator

import (
	"context"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// TransferProof names a client-broadcast transfer to check.
type TransferProof struct {
	Network   x402.Network
	TxHash    string
	Token     string
	Payer     string
	Recipient string
	Amount    decimal.Decimal
}

// VerifyTransfer checks that TxHash moved at least Amount of Token from
// Payer to Recipient. A transfer that does not check out is reported in
// the result.
func (f *Facilitator) VerifyTransfer(ctx context.Context, proof TransferProof) (*x402.VerifyResult, error) {
	if _, err := f.NetworkFor(proof.Network); err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "facilitator.VerifyTransfer",
		trace.WithAttributes(
			attribute.String("network", string(proof.Network)),
			attribute.String("tx.hash", proof.TxHash),
		))
	defer span.End()

	started := time.Now()
	var (
		result *x402.VerifyResult
		err    error
	)
	switch proof.Network.Family() {
	case x402.FamilyEVM:
		result, err = f.verifyEVMTransfer(ctx, proof)
	default:
		result, err = f.verifySVMTransfer(ctx, proof)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	f.metrics.ChainCall(ctx, string(proof.Network.Family()), "verify_transfer", started, result.Valid)
	if !result.Valid {
		span.SetStatus(codes.Error, result.Reason)
	}
	return result, nil
}

func (f *Facilitator) verifyEVMTransfer(ctx context.Context, proof TransferProof) (*x402.VerifyResult, error) {
	token := f.resolveToken(proof.Token)
	_, decimals, err := f.permitDomain(ctx, token)
	if err != nil {
		return nil, err
	}
	required, err := evm.ParseAmount(proof.Amount, decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.verifyTimeout)
	defer cancel()
	receipt, err := f.evmSigner.WaitForTransactionReceipt(waitCtx, proof.TxHash)
	if err != nil {
		return &x402.VerifyResult{Valid: false, Reason: ErrReceiptNotFound}, nil
	}
	block := receipt.BlockNumber
	if receipt.Status != evm.TxStatusSuccess {
		return &x402.VerifyResult{Valid: false, Reason: ErrTransactionFailed, BlockNumber: &block}, nil
	}

	moved := evm.SumTransfers(receipt, token, proof.Payer, proof.Recipient)
	switch {
	case moved.Sign() == 0:
		return &x402.VerifyResult{Valid: false, Reason: ErrTransferNotFound, BlockNumber: &block}, nil
	case moved.Cmp(required) < 0:
		return &x402.VerifyResult{Valid: false, Reason: ErrInsufficientTransfer, BlockNumber: &block}, nil
	}
	return &x402.VerifyResult{Valid: true, BlockNumber: &block}, nil
}

func (f *Facilitator) verifySVMTransfer(ctx context.Context, proof TransferProof) (*x402.VerifyResult, error) {
	recipient, err := svm.ParsePublicKey("recipient", proof.Recipient)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	payer, err := svm.ParsePublicKey("payer", proof.Payer)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	mint, err := svm.ParsePublicKey("mint", f.resolveMint(proof.Token))
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	decimals, err := f.mintDecimals(ctx, mint)
	if err != nil {
		return nil, err
	}
	required, err := svm.ParseAmount(proof.Amount, decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	sig, err := solana.SignatureFromBase58(proof.TxHash)
	if err != nil {
		return &x402.VerifyResult{Valid: false, Reason: ErrReceiptNotFound}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.verifyTimeout)
	defer cancel()
	if _, err := f.svmSigner.WaitForConfirmation(waitCtx, sig); err != nil {
		return &x402.VerifyResult{Valid: false, Reason: ErrTransactionFailed}, nil
	}
	moved, slot, err := f.svmSigner.GetTransferredAmount(ctx, sig, mint, payer, recipient)
	if err != nil {
		return &x402.VerifyResult{Valid: false, Reason: ErrReceiptNotFound}, nil
	}
	switch {
	case moved == 0:
		return &x402.VerifyResult{Valid: false, Reason: ErrTransferNotFound, BlockNumber: &slot}, nil
	case moved < required:
		return &x402.VerifyResult{Valid: false, Reason: ErrInsufficientTransfer, BlockNumber: &slot}, nil
	}
	return &x402.VerifyResult{Valid: true, BlockNumber: &slot}, nil
}
