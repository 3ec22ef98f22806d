package protocol

import (
	"context"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
)

// SponsoredPayment is an unsigned fee-payer transfer handed to the payer.
type SponsoredPayment struct {
	PaymentID        string          `json:"paymentId"`
	TransactionBytes string          `json:"transactionBytes"`
	FeePayer         string          `json:"feePayer"`
	Blockhash        string          `json:"blockhash"`
	Network          x402.Network    `json:"network"`
	Amount           string          `json:"amount"`
	Value            uint64          `json:"value"`
	CoinType         string          `json:"coinType"`
	Decimals         uint8           `json:"decimals"`
}

// Registration is an unsigned token-account registration.
type Registration struct {
	Address          string `json:"address"`
	CoinType         string `json:"coinType"`
	TransactionBytes string `json:"transactionBytes"`
	FeePayer         string `json:"feePayer"`
	Blockhash        string `json:"blockhash"`
}

// RegistrationResult is the outcome of a submitted registration.
type RegistrationResult struct {
	Success  bool   `json:"success"`
	Address  string `json:"address,omitempty"`
	CoinType string `json:"coinType"`
	TxHash   string `json:"txHash,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RegistrationStatus says whether an address can receive a coin.
type RegistrationStatus struct {
	IsRegistered bool   `json:"isRegistered"`
	Address      string `json:"address"`
	CoinType     string `json:"coinType"`
	Message      string `json:"message"`
}

// BuildSponsored opens a sponsored payment and builds the transfer the payer
// signs. Sponsorship and both token accounts are checked before anything is
// persisted.
func (a *Adapter) BuildSponsored(ctx context.Context, tabID, payer string) (*SponsoredPayment, error) {
	if !a.facilitator.IsGasSponsorshipAvailable(ctx) {
		return nil, x402.NewPaymentError(x402.ErrCodeSponsorshipUnavailable, "gas sponsorship is not available", nil)
	}
	info, err := a.facilitator.Network(x402.FamilySVM)
	if err != nil {
		return nil, err
	}
	if err := validateAddress(x402.FamilySVM, "payer", payer); err != nil {
		return nil, err
	}

	tab, err := a.repo.FindTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if tab.Status != models.TabPendingPayment {
		return nil, x402.NewInvalidStateError("tab", tabID, string(tab.Status), string(models.TabPendingPayment))
	}
	recipient := storeWallet(tab.Store, x402.FamilySVM)
	if recipient == "" {
		return nil, x402.NewValidationError("store %s has no Solana wallet", tab.StoreID)
	}
	mint := info.Asset.Address
	if err := a.requireRegistered(ctx, "store wallet", recipient, mint); err != nil {
		return nil, err
	}
	if err := a.requireRegistered(ctx, "payer", payer, mint); err != nil {
		return nil, err
	}

	var p *models.Payment
	err = a.repo.WithTx(ctx, func(tx *repository.Repository) error {
		var err error
		p, _, err = a.payments.Open(ctx, tx, tabID, payer, models.SchemeSponsored, info, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	built, err := a.facilitator.BuildFeePayerTransaction(ctx, payer, recipient, p.Amount, mint)
	if err != nil {
		if _, failErr := a.payments.Fail(ctx, p.ID, "build_failed"); failErr != nil {
			a.logger.Error().Err(failErr).Str("payment_id", p.ID).Msg("failed to mark payment failed")
		}
		return nil, err
	}

	a.logger.Info().Str("payment_id", p.ID).Str("tab_id", tabID).Msg("sponsored payment built")
	return &SponsoredPayment{
		PaymentID:        p.ID,
		TransactionBytes: built.TransactionBytes,
		FeePayer:         built.FeePayer,
		Blockhash:        built.Blockhash,
		Network:          info.Network,
		Amount:           x402.FormatAmount(p.Amount),
		Value:            built.Amount,
		CoinType:         mint,
		Decimals:         built.Decimals,
	}, nil
}

func (a *Adapter) requireRegistered(ctx context.Context, who, address, mint string) error {
	ok, err := a.facilitator.IsRegisteredForCoin(ctx, address, mint)
	if err != nil {
		return err
	}
	if !ok {
		return x402.NewValidationError("%s %s is not registered for %s", who, address, mint)
	}
	return nil
}

// SubmitSponsored co-signs and sends the payer-signed transfer. It shares
// the in-flight guard with permit submissions.
func (a *Adapter) SubmitSponsored(ctx context.Context, paymentID, txBytes, senderAuthenticator string) (*x402.VerifyResponse, error) {
	if txBytes == "" || senderAuthenticator == "" {
		return nil, x402.NewValidationError("transactionBytes and senderAuthenticatorBytes are required")
	}

	guard := a.payments.Submissions()
	key := x402.PaymentKey(paymentID)
	status, cached, done := guard.CheckAndMark(key)
	switch status {
	case x402.StatusCached:
		return &x402.VerifyResponse{Valid: true, PaymentID: cached.ID, TxHash: cached.TxHashValue(), Receipt: receiptFor(cached, nil)}, nil
	case x402.StatusInFlight:
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidState,
			"payment "+paymentID+" is already being submitted", map[string]interface{}{"id": paymentID})
	}

	resp, completed, err := a.submitSponsored(ctx, paymentID, txBytes, senderAuthenticator)
	if completed != nil {
		guard.Complete(key, completed, done)
	} else {
		guard.Fail(key, done)
	}
	return resp, err
}

func (a *Adapter) submitSponsored(ctx context.Context, paymentID, txBytes, senderAuthenticator string) (*x402.VerifyResponse, *models.Payment, error) {
	p, err := a.repo.FindPayment(ctx, paymentID, true)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != models.PaymentPending {
		return nil, nil, x402.NewInvalidStateError("payment", paymentID, string(p.Status), string(models.PaymentPending))
	}
	if p.Scheme != models.SchemeSponsored {
		return nil, nil, x402.NewValidationError("payment %s uses the %s scheme", paymentID, p.Scheme)
	}

	result, err := a.facilitator.SubmitSponsoredTransaction(ctx, facilitator.SponsoredTransfer{
		Reference:           p.ID,
		TransactionBytes:    txBytes,
		SenderAuthenticator: senderAuthenticator,
		Sender:              p.PayerAddress,
		Recipient:           storeWallet(p.Store, x402.FamilySVM),
		Mint:                p.TokenAddress,
		Amount:              p.Amount,
	})
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		if _, err := a.payments.Fail(ctx, p.ID, result.Error); err != nil {
			return nil, nil, err
		}
		return &x402.VerifyResponse{Valid: false, PaymentID: p.ID, TxHash: result.TxHash, Error: result.Error}, nil, nil
	}

	completed, err := a.payments.Complete(ctx, p.ID, result.TxHash, "")
	if err != nil {
		return nil, nil, err
	}
	return &x402.VerifyResponse{
		Valid:     true,
		PaymentID: p.ID,
		TxHash:    result.TxHash,
		Receipt:   receiptFor(completed, result.BlockNumber),
	}, completed, nil
}

// BuildSponsoredRegistration builds the transaction that creates address's
// token account for coinType, rent and fees paid by the facilitator.
func (a *Adapter) BuildSponsoredRegistration(ctx context.Context, address, coinType string) (*Registration, error) {
	mint, err := a.coinType(coinType)
	if err != nil {
		return nil, err
	}
	if !a.facilitator.IsGasSponsorshipAvailable(ctx) {
		return nil, x402.NewPaymentError(x402.ErrCodeSponsorshipUnavailable, "gas sponsorship is not available", nil)
	}
	built, err := a.facilitator.BuildSponsoredRegistration(ctx, address, mint)
	if err != nil {
		return nil, err
	}
	return &Registration{
		Address:          address,
		CoinType:         mint,
		TransactionBytes: built.TransactionBytes,
		FeePayer:         built.FeePayer,
		Blockhash:        built.Blockhash,
	}, nil
}

func (a *Adapter) SubmitSponsoredRegistration(ctx context.Context, txBytes, senderAuthenticator, coinType string) (*RegistrationResult, error) {
	if txBytes == "" || senderAuthenticator == "" {
		return nil, x402.NewValidationError("transactionBytes and senderAuthenticatorBytes are required")
	}
	mint, err := a.coinType(coinType)
	if err != nil {
		return nil, err
	}
	result, err := a.facilitator.SubmitSponsoredRegistration(ctx, txBytes, senderAuthenticator, mint)
	if err != nil {
		return nil, err
	}
	if result.Success {
		a.logger.Info().Str("address", result.Payer).Str("coin_type", mint).Msg("account registered")
	}
	return &RegistrationResult{
		Success:  result.Success,
		Address:  result.Payer,
		CoinType: mint,
		TxHash:   result.TxHash,
		Error:    result.Error,
	}, nil
}

// CheckRegistration reports whether address can receive coinType.
func (a *Adapter) CheckRegistration(ctx context.Context, address, coinType string) (*RegistrationStatus, error) {
	mint, err := a.coinType(coinType)
	if err != nil {
		return nil, err
	}
	ok, err := a.facilitator.IsRegisteredForCoin(ctx, address, mint)
	if err != nil {
		return nil, err
	}
	status := &RegistrationStatus{IsRegistered: ok, Address: address, CoinType: mint}
	if ok {
		status.Message = "address can receive " + mint
	} else {
		status.Message = "address has no token account for " + mint + "; register it before paying or receiving"
	}
	return status, nil
}

func (a *Adapter) coinType(coinType string) (string, error) {
	if coinType != "" {
		return coinType, nil
	}
	info, err := a.facilitator.Network(x402.FamilySVM)
	if err != nil {
		return "", err
	}
	return info.Asset.Address, nil
}
