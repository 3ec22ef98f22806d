package facilitator

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// SponsoredTransfer is a client-signed fee-payer transaction and the
// transfer it must perform.
type SponsoredTransfer struct {
	Reference           string
	TransactionBytes    string
	SenderAuthenticator string
	Sender              string
	Recipient           string
	Mint                string
	Amount              decimal.Decimal
}

// BuildFeePayerTransaction builds an unsigned transfer of amount from sender
// to recipient with the facilitator paying fees.
func (f *Facilitator) BuildFeePayerTransaction(
	ctx context.Context,
	sender, recipient string,
	amount decimal.Decimal,
	mint string,
) (*svm.SponsoredTransaction, error) {
	if err := f.requireSVM(); err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "facilitator.BuildFeePayerTransaction",
		trace.WithAttributes(attribute.String("sender", sender)))
	defer span.End()

	senderKey, err := svm.ParsePublicKey("sender", sender)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	recipientKey, err := svm.ParsePublicKey("recipient", recipient)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	mintKey, err := svm.ParsePublicKey("mint", f.resolveMint(mint))
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	if !amount.IsPositive() {
		return nil, x402.NewValidationError("amount must be positive, got %s", amount)
	}

	decimals, err := f.mintDecimals(ctx, mintKey)
	if err != nil {
		return nil, err
	}
	value, err := svm.ParseAmount(amount, decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	blockhash, err := f.svmSigner.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, x402.NewChainReadError("get latest blockhash", err)
	}

	ixs, err := svm.BuildTransferInstructions(senderKey, recipientKey, mintKey, value, decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	tx, err := f.encodeSponsored(ixs, blockhash)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	tx.Amount = value
	tx.Decimals = decimals
	return tx, nil
}

// SubmitSponsoredTransaction validates a client-signed transfer, co-signs it
// as fee payer and submits it. Validation and chain failures are reported
// in the result.
func (f *Facilitator) SubmitSponsoredTransaction(ctx context.Context, transfer SponsoredTransfer) (*x402.SettleResult, error) {
	if err := f.requireSVM(); err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "facilitator.SubmitSponsoredTransaction",
		trace.WithAttributes(attribute.String("reference", transfer.Reference)))
	defer span.End()

	result := f.runSubmission(ctx, OperationSponsoredTransfer, transfer.Reference, f.svmNetwork, func(ctx context.Context) x402.SettleResult {
		fail := func(code string) x402.SettleResult {
			return x402.SettleResult{Success: false, Error: code, Payer: transfer.Sender}
		}

		expected, err := f.expectedTransfer(ctx, transfer)
		if err != nil {
			return fail(ErrTransferMismatch)
		}
		tx, err := svm.DecodeTransaction(transfer.TransactionBytes)
		if err != nil {
			return fail(ErrInvalidTransaction)
		}
		if _, err := svm.ValidateTransfer(tx, f.svmSigner.Address(), expected); err != nil {
			return fail(sponsoredErrorCode(err))
		}
		return f.cosignAndSend(ctx, tx, expected.Sender, transfer.SenderAuthenticator, transfer.Sender)
	})
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
		f.logger.Warn().Str("reference", transfer.Reference).Str("error", result.Error).Msg("sponsored transfer failed")
	}
	return &result, nil
}

// BuildSponsoredRegistration builds a transaction creating account's token
// account for mint. The facilitator pays rent and fees; account signs a memo.
func (f *Facilitator) BuildSponsoredRegistration(ctx context.Context, account, mint string) (*svm.SponsoredTransaction, error) {
	if err := f.requireSVM(); err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "facilitator.BuildSponsoredRegistration",
		trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	accountKey, err := svm.ParsePublicKey("account", account)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	mintKey, err := svm.ParsePublicKey("mint", f.resolveMint(mint))
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	blockhash, err := f.svmSigner.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, x402.NewChainReadError("get latest blockhash", err)
	}
	ixs, err := svm.BuildRegistrationInstructions(f.svmSigner.Address(), accountKey, mintKey)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	return f.encodeSponsored(ixs, blockhash)
}

// SubmitSponsoredRegistration validates and co-signs a registration built by
// BuildSponsoredRegistration. The result's Payer is the registered account.
func (f *Facilitator) SubmitSponsoredRegistration(ctx context.Context, txBytes, senderAuthenticator, mint string) (*x402.SettleResult, error) {
	if err := f.requireSVM(); err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "facilitator.SubmitSponsoredRegistration")
	defer span.End()

	mintAddress := f.resolveMint(mint)
	result := f.runSubmission(ctx, OperationRegistration, mintAddress, f.svmNetwork, func(ctx context.Context) x402.SettleResult {
		mintKey, err := svm.ParsePublicKey("mint", mintAddress)
		if err != nil {
			return x402.SettleResult{Success: false, Error: ErrRegistrationMismatch}
		}
		tx, err := svm.DecodeTransaction(txBytes)
		if err != nil {
			return x402.SettleResult{Success: false, Error: ErrInvalidTransaction}
		}
		owner, err := svm.ValidateRegistration(tx, f.svmSigner.Address(), mintKey)
		if err != nil {
			return x402.SettleResult{Success: false, Error: sponsoredErrorCode(err)}
		}
		return f.cosignAndSend(ctx, tx, owner, senderAuthenticator, owner.String())
	})
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	return &result, nil
}

// IsGasSponsorshipAvailable reports whether the fee payer is configured and
// funded above its floor.
func (f *Facilitator) IsGasSponsorshipAvailable(ctx context.Context) bool {
	if f.svmSigner == nil {
		return false
	}
	balance, err := f.svmSigner.GetBalance(ctx, f.svmSigner.Address())
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to read fee payer balance")
		return false
	}
	return balance >= svm.FeePayerBalanceFloor
}

// IsRegisteredForCoin reports whether address has a token account for mint.
func (f *Facilitator) IsRegisteredForCoin(ctx context.Context, address, mint string) (bool, error) {
	if err := f.requireSVM(); err != nil {
		return false, err
	}
	owner, err := svm.ParsePublicKey("account", address)
	if err != nil {
		return false, x402.NewValidationError("%v", err)
	}
	mintKey, err := svm.ParsePublicKey("mint", f.resolveMint(mint))
	if err != nil {
		return false, x402.NewValidationError("%v", err)
	}
	ata, err := svm.DeriveAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return false, x402.NewValidationError("%v", err)
	}
	exists, err := f.svmSigner.AccountExists(ctx, ata)
	if err != nil {
		return false, x402.NewChainReadError("check token account", err)
	}
	return exists, nil
}

func (f *Facilitator) cosignAndSend(
	ctx context.Context,
	tx *solana.Transaction,
	sender solana.PublicKey,
	authenticator, payer string,
) x402.SettleResult {
	fail := func(code string) x402.SettleResult {
		return x402.SettleResult{Success: false, Error: code, Payer: payer}
	}

	sig, err := svm.DecodeAuthenticator(authenticator)
	if err != nil {
		return fail(ErrInvalidSenderSignature)
	}
	if err := svm.ApplySenderSignature(tx, sender, sig); err != nil {
		return fail(ErrInvalidSenderSignature)
	}
	if err := f.svmSigner.SignAsFeePayer(ctx, tx); err != nil {
		return fail(ErrFailedToSign)
	}
	txSig, err := f.svmSigner.SendTransaction(ctx, tx)
	if err != nil {
		return fail(ErrFailedToSend)
	}
	slot, err := f.svmSigner.WaitForConfirmation(ctx, txSig)
	if err != nil {
		result := fail(ErrConfirmationFailed)
		result.TxHash = txSig.String()
		return result
	}
	return x402.SettleResult{
		Success:     true,
		TxHash:      txSig.String(),
		BlockNumber: &slot,
		Payer:       payer,
	}
}

func (f *Facilitator) expectedTransfer(ctx context.Context, transfer SponsoredTransfer) (svm.ExpectedTransfer, error) {
	sender, err := svm.ParsePublicKey("sender", transfer.Sender)
	if err != nil {
		return svm.ExpectedTransfer{}, err
	}
	recipient, err := svm.ParsePublicKey("recipient", transfer.Recipient)
	if err != nil {
		return svm.ExpectedTransfer{}, err
	}
	mint, err := svm.ParsePublicKey("mint", f.resolveMint(transfer.Mint))
	if err != nil {
		return svm.ExpectedTransfer{}, err
	}
	decimals, err := f.mintDecimals(ctx, mint)
	if err != nil {
		return svm.ExpectedTransfer{}, err
	}
	amount, err := svm.ParseAmount(transfer.Amount, decimals)
	if err != nil {
		return svm.ExpectedTransfer{}, err
	}
	return svm.ExpectedTransfer{Sender: sender, Recipient: recipient, Mint: mint, Amount: amount}, nil
}

func (f *Facilitator) encodeSponsored(ixs []solana.Instruction, blockhash solana.Hash) (*svm.SponsoredTransaction, error) {
	tx, err := svm.NewSponsoredTransaction(ixs, blockhash, f.svmSigner.Address())
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	encoded, err := svm.EncodeTransaction(tx)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	return &svm.SponsoredTransaction{
		TransactionBytes: encoded,
		FeePayer:         f.svmSigner.Address().String(),
		Blockhash:        blockhash.String(),
	}, nil
}

func (f *Facilitator) resolveMint(mint string) string {
	if mint == "" {
		return f.svmConfig.DefaultAsset.Mint
	}
	return mint
}

// mintDecimals trusts the configured asset and reads any other mint.
func (f *Facilitator) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if mint.String() == f.svmConfig.DefaultAsset.Mint {
		return uint8(f.svmConfig.DefaultAsset.Decimals), nil
	}
	decimals, err := f.svmSigner.GetMintDecimals(ctx, mint)
	if err != nil {
		return 0, x402.NewChainReadError("read mint decimals", err)
	}
	return decimals, nil
}
