package facilitator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
)

// defaultPermitVersion is the EIP-712 version assumed for tokens other than
// the configured asset.
const defaultPermitVersion = "1"

// PermitTransfer is a signed permit plus the transfer it authorises.
type PermitTransfer struct {
	Reference string
	Owner     string
	Recipient string
	Token     string
	Value     *big.Int
	Deadline  *big.Int
	Signature evm.SignatureInput
}

// GeneratePaymentData builds the permit a customer signs so the facilitator
// can move amount from `from` to `to`.
func (f *Facilitator) GeneratePaymentData(
	ctx context.Context,
	paymentID, from, to string,
	amount decimal.Decimal,
	tokenAddress string,
) (*evm.PermitData, error) {
	ctx, span := f.tracer.Start(ctx, "facilitator.GeneratePaymentData",
		trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer span.End()

	data, err := f.generatePermit(ctx, paymentID, from, to, amount, tokenAddress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

// GenerateRefundData builds the permit a store owner signs to return funds
// from the store wallet to the customer.
func (f *Facilitator) GenerateRefundData(
	ctx context.Context,
	refundID, storeWallet, customer string,
	amount decimal.Decimal,
	tokenAddress string,
) (*evm.PermitData, error) {
	ctx, span := f.tracer.Start(ctx, "facilitator.GenerateRefundData",
		trace.WithAttributes(attribute.String("refund.id", refundID)))
	defer span.End()

	data, err := f.generatePermit(ctx, refundID, storeWallet, customer, amount, tokenAddress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

// ProcessPayment applies a customer permit and pulls the funds to the
// recipient. Chain failures are reported in the result; only a missing
// identity is returned as an error.
func (f *Facilitator) ProcessPayment(ctx context.Context, transfer PermitTransfer) (*x402.SettleResult, error) {
	return f.processPermit(ctx, OperationPayment, transfer)
}

// ProcessRefund is ProcessPayment with the store wallet as owner.
func (f *Facilitator) ProcessRefund(ctx context.Context, transfer PermitTransfer) (*x402.SettleResult, error) {
	return f.processPermit(ctx, OperationRefund, transfer)
}

func (f *Facilitator) processPermit(ctx context.Context, op Operation, transfer PermitTransfer) (*x402.SettleResult, error) {
	if err := f.requireEVM(); err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "facilitator.Process"+permitSpanSuffix(op),
		trace.WithAttributes(
			attribute.String("reference", transfer.Reference),
			attribute.String("owner", transfer.Owner),
		))
	defer span.End()

	result := f.runSubmission(ctx, op, transfer.Reference, f.evmNetwork, func(ctx context.Context) x402.SettleResult {
		return f.settlePermit(ctx, transfer)
	})
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
		f.logger.Warn().
			Str("operation", string(op)).
			Str("reference", transfer.Reference).
			Str("error", result.Error).
			Msg("permit transfer failed")
	} else {
		span.SetAttributes(attribute.String("tx.hash", result.TxHash))
	}
	return &result, nil
}

func permitSpanSuffix(op Operation) string {
	if op == OperationRefund {
		return "Refund"
	}
	return "Payment"
}

func (f *Facilitator) generatePermit(
	ctx context.Context,
	reference, owner, recipient string,
	amount decimal.Decimal,
	tokenAddress string,
) (*evm.PermitData, error) {
	if err := f.requireEVM(); err != nil {
		return nil, err
	}
	if !evm.IsValidAddress(owner) {
		return nil, x402.NewValidationError("invalid owner address %q", owner)
	}
	if !evm.IsValidAddress(recipient) {
		return nil, x402.NewValidationError("invalid recipient address %q", recipient)
	}
	if !amount.IsPositive() {
		return nil, x402.NewValidationError("amount must be positive, got %s", amount)
	}
	token := f.resolveToken(tokenAddress)
	if !evm.IsValidAddress(token) {
		return nil, x402.NewValidationError("invalid token address %q", token)
	}

	domain, decimals, err := f.permitDomain(ctx, token)
	if err != nil {
		return nil, err
	}
	nonce, err := f.readNonce(ctx, token, owner)
	if err != nil {
		return nil, x402.NewChainReadError("read permit nonce", err)
	}
	value, err := evm.ParseAmount(amount, decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}

	deadline := f.now().Add(f.permitWindow).Unix()
	spender := f.evmSigner.Address()
	return &evm.PermitData{
		PaymentID:   reference,
		Domain:      domain,
		Types:       evm.GetEIP2612EIP712Types(),
		PrimaryType: evm.PrimaryTypePermit,
		Message: evm.PermitMessage{
			Owner:    evm.NormalizeAddress(owner),
			Spender:  evm.NormalizeAddress(spender),
			Value:    value,
			Nonce:    nonce,
			Deadline: big.NewInt(deadline),
		},
		FacilitatorAddress: evm.NormalizeAddress(spender),
		Recipient:          evm.NormalizeAddress(recipient),
		Value:              value.String(),
		Decimals:           decimals,
		Deadline:           deadline,
	}, nil
}

func (f *Facilitator) settlePermit(ctx context.Context, transfer PermitTransfer) x402.SettleResult {
	fail := func(code string) x402.SettleResult {
		return x402.SettleResult{Success: false, Error: code, Payer: transfer.Owner}
	}

	if transfer.Deadline == nil || transfer.Value == nil || transfer.Value.Sign() <= 0 {
		return fail(ErrInvalidPermit)
	}
	if !evm.IsValidAddress(transfer.Owner) || !evm.IsValidAddress(transfer.Recipient) {
		return fail(ErrInvalidPermit)
	}
	// Leave room for block propagation before the contract checks the deadline.
	if transfer.Deadline.Cmp(big.NewInt(f.now().Unix()+evm.DeadlineBuffer)) < 0 {
		return fail(ErrDeadlineExpired)
	}
	sig, err := transfer.Signature.Resolve()
	if err != nil {
		return fail(ErrInvalidSignatureFormat)
	}

	token := f.resolveToken(transfer.Token)
	domain, _, err := f.permitDomain(ctx, token)
	if err != nil {
		return fail(ErrFailedToReadToken)
	}
	nonce, err := f.readNonce(ctx, token, transfer.Owner)
	if err != nil {
		return fail(ErrFailedToReadNonce)
	}
	spender := f.evmSigner.Address()
	digest, err := evm.HashPermit(domain, evm.PermitMessage{
		Owner:    transfer.Owner,
		Spender:  spender,
		Value:    transfer.Value,
		Nonce:    nonce,
		Deadline: transfer.Deadline,
	})
	if err != nil {
		return fail(ErrInvalidPermit)
	}
	recovered, err := evm.RecoverSigner(digest, sig)
	if err != nil || !x402.SameAddress(recovered.Hex(), transfer.Owner) {
		return fail(ErrInvalidSignature)
	}

	owner := common.HexToAddress(transfer.Owner)
	permitHash, err := f.evmSigner.WriteContract(ctx, token, evm.EIP2612PermitABI, evm.FunctionPermit,
		owner,
		common.HexToAddress(spender),
		transfer.Value,
		transfer.Deadline,
		sig.V,
		sig.R,
		sig.S,
	)
	if err != nil {
		return fail(parseRevertError(err, ErrPermitFailed))
	}
	receipt, err := f.evmSigner.WaitForTransactionReceipt(ctx, permitHash)
	if err != nil {
		return fail(ErrFailedToGetReceipt)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return fail(ErrPermitReverted)
	}

	transferHash, err := f.evmSigner.WriteContract(ctx, token, evm.ERC20TransferFromABI, evm.FunctionTransferFrom,
		owner,
		common.HexToAddress(transfer.Recipient),
		transfer.Value,
	)
	if err != nil {
		return fail(parseRevertError(err, ErrTransferFailed))
	}
	receipt, err = f.evmSigner.WaitForTransactionReceipt(ctx, transferHash)
	if err != nil {
		result := fail(ErrFailedToGetReceipt)
		result.TxHash = transferHash
		return result
	}
	if receipt.Status != evm.TxStatusSuccess {
		result := fail(ErrTransferReverted)
		result.TxHash = transferHash
		return result
	}

	block := receipt.BlockNumber
	return x402.SettleResult{
		Success:     true,
		TxHash:      transferHash,
		BlockNumber: &block,
		Payer:       transfer.Owner,
	}
}

func (f *Facilitator) resolveToken(token string) string {
	if token == "" {
		return f.evmConfig.DefaultAsset.Address
	}
	return token
}

// permitDomain returns the EIP-712 domain and decimals of token. The
// configured asset's version and decimals are trusted; name() is always
// read so the domain matches what the contract hashes.
func (f *Facilitator) permitDomain(ctx context.Context, token string) (evm.TypedDataDomain, int, error) {
	asset := f.evmConfig.DefaultAsset
	known := x402.SameAddress(token, asset.Address)

	name, err := f.readString(ctx, token, evm.ERC20NameABI, evm.FunctionName)
	if err != nil {
		if !known {
			return evm.TypedDataDomain{}, 0, x402.NewChainReadError("read token name", err)
		}
		name = asset.Name
	}

	version := defaultPermitVersion
	decimals := asset.Decimals
	if known {
		version = asset.Version
	} else {
		raw, err := f.evmSigner.ReadContract(ctx, token, evm.ERC20DecimalsABI, evm.FunctionDecimals)
		if err != nil {
			return evm.TypedDataDomain{}, 0, x402.NewChainReadError("read token decimals", err)
		}
		d, ok := raw.(uint8)
		if !ok {
			return evm.TypedDataDomain{}, 0, x402.NewChainReadError("read token decimals", fmt.Errorf("unexpected type %T", raw))
		}
		decimals = int(d)
	}

	return evm.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(f.evmConfig.ChainID),
		VerifyingContract: evm.NormalizeAddress(token),
	}, decimals, nil
}

func (f *Facilitator) readNonce(ctx context.Context, token, owner string) (*big.Int, error) {
	raw, err := f.evmSigner.ReadContract(ctx, token, evm.EIP2612NoncesABI, evm.FunctionNonces, common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	nonce, ok := raw.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce type %T", raw)
	}
	return nonce, nil
}

func (f *Facilitator) readString(ctx context.Context, token string, abi []byte, fn string) (string, error) {
	raw, err := f.evmSigner.ReadContract(ctx, token, abi, fn)
	if err != nil {
		return "", err
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s type %T", fn, raw)
	}
	return s, nil
}
