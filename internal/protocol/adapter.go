// Package protocol speaks x402: it answers payment requests with 402
// challenges, verifies client-broadcast proofs and runs the gas-sponsored
// flows on top of the payment state machine.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/payment"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// DefaultPaymentTTL is how long a 402 challenge can be paid.
const DefaultPaymentTTL = 15 * time.Minute

// Facilitator is the part of facilitator.Facilitator the adapter uses.
type Facilitator interface {
	URL() string
	Network(family x402.Family) (facilitator.NetworkInfo, error)
	NetworkFor(network x402.Network) (facilitator.NetworkInfo, error)
	VerifyTransfer(ctx context.Context, proof facilitator.TransferProof) (*x402.VerifyResult, error)
	IsGasSponsorshipAvailable(ctx context.Context) bool
	IsRegisteredForCoin(ctx context.Context, address, mint string) (bool, error)
	BuildFeePayerTransaction(ctx context.Context, sender, recipient string, amount decimal.Decimal, mint string) (*svm.SponsoredTransaction, error)
	SubmitSponsoredTransaction(ctx context.Context, transfer facilitator.SponsoredTransfer) (*x402.SettleResult, error)
	BuildSponsoredRegistration(ctx context.Context, account, mint string) (*svm.SponsoredTransaction, error)
	SubmitSponsoredRegistration(ctx context.Context, txBytes, senderAuthenticator, mint string) (*x402.SettleResult, error)
}

// Verification failure codes reported in VerifyResponse.Error.
const (
	ErrPayerMismatch = "payer_mismatch"
	ErrTxHashReused  = "tx_hash_already_used"
)

type Adapter struct {
	repo          *repository.Repository
	payments      *payment.Service
	facilitator   Facilitator
	network       x402.Network
	ttl           time.Duration
	verifications *x402.SubmissionCache[*x402.VerifyResponse]
	logger        zerolog.Logger
	now           func() time.Time
}

type Option func(*Adapter)

// WithNetwork selects the network header-style challenges are issued on.
func WithNetwork(n x402.Network) Option {
	return func(a *Adapter) { a.network = n }
}

// WithTTL sets how long a challenge stays payable.
func WithTTL(d time.Duration) Option {
	return func(a *Adapter) { a.ttl = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = logger.With().Str("component", "x402").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(repo *repository.Repository, payments *payment.Service, f Facilitator, opts ...Option) *Adapter {
	a := &Adapter{
		repo:          repo,
		payments:      payments,
		facilitator:   f,
		ttl:           DefaultPaymentTTL,
		verifications: x402.NewSubmissionCache[*x402.VerifyResponse](payment.DefaultSubmissionTTL),
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestPayment opens a header-style payment and returns the challenge
// the transport answers with 402.
func (a *Adapter) RequestPayment(ctx context.Context, tabID, payer, currency string) (*x402.PaymentRequired, error) {
	info, err := a.challengeNetwork()
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = info.Asset.Symbol
	}
	if !strings.EqualFold(currency, info.Asset.Symbol) {
		return nil, x402.NewValidationError("currency %s is not accepted on %s, use %s", currency, info.Network, info.Asset.Symbol)
	}
	if err := validateAddress(info.Family, "payer", payer); err != nil {
		return nil, err
	}

	expiresAt := a.now().Add(a.ttl).UTC()
	var (
		p         *models.Payment
		recipient string
	)
	err = a.repo.WithTx(ctx, func(tx *repository.Repository) error {
		var (
			store *models.Store
			err   error
		)
		p, store, err = a.payments.Open(ctx, tx, tabID, payer, models.SchemeHeader, info, &expiresAt)
		if err != nil {
			return err
		}
		recipient = storeWallet(store, info.Family)
		if recipient == "" {
			return x402.NewValidationError("store %s has no %s wallet", store.ID, info.Family)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	value, err := evm.ParseAmount(p.Amount, info.Asset.Decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	challenge := &x402.PaymentRequired{
		X402Version: x402.Version,
		Network: x402.NetworkDescriptor{
			ID:      info.Network,
			Name:    info.Name,
			Family:  info.Family,
			ChainID: info.ChainID,
		},
		Payment: x402.PaymentDescriptor{
			PaymentID: p.ID,
			Recipient: recipient,
			Amount:    x402.FormatAmount(p.Amount),
			Currency:  info.Asset.Symbol,
			CoinType:  info.Asset.Address,
			Decimals:  info.Asset.Decimals,
		},
		Transaction: transactionTemplate(info, recipient, value),
		ExpiresAt:   expiresAt,
		Facilitator: x402.FacilitatorInfo{
			URL:          a.facilitator.URL(),
			Address:      info.Address,
			GasSponsored: info.Family == x402.FamilySVM,
		},
	}
	if err := x402.ValidatePaymentRequired(*challenge, a.now()); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("payment_id", p.ID).
		Str("tab_id", tabID).
		Str("network", string(info.Network)).
		Time("expires_at", expiresAt).
		Msg("payment challenge issued")
	return challenge, nil
}

func (a *Adapter) challengeNetwork() (facilitator.NetworkInfo, error) {
	if a.network != "" {
		return a.facilitator.NetworkFor(a.network)
	}
	return a.facilitator.Network(x402.FamilyEVM)
}

func transactionTemplate(info facilitator.NetworkInfo, recipient string, value *big.Int) x402.TransactionTemplate {
	if info.Family == x402.FamilySVM {
		return x402.TransactionTemplate{
			Type:      "spl-token",
			Function:  "transferChecked",
			Target:    info.Asset.Address,
			Arguments: []string{recipient, value.String(), big.NewInt(int64(info.Asset.Decimals)).String()},
		}
	}
	return x402.TransactionTemplate{
		Type:      "erc20",
		Function:  "transfer(address,uint256)",
		Target:    info.Asset.Address,
		Arguments: []string{recipient, value.String()},
	}
}

// VerifyPayment checks a client-broadcast transfer against its challenge.
// raw is the decoded header JSON; identical proofs are verified once.
// A proof that does not check out is reported with Valid false and the
// payment stays PENDING for a corrected proof.
func (a *Adapter) VerifyPayment(ctx context.Context, header x402.PaymentHeader, raw []byte) (*x402.VerifyResponse, error) {
	if err := x402.ValidatePaymentHeader(header); err != nil {
		return nil, x402.NewHeaderFormatError(x402.HeaderPayment, err)
	}
	if raw == nil {
		var err error
		if raw, err = json.Marshal(header); err != nil {
			return nil, err
		}
	}

	key := x402.GenerateSubmissionKey(raw)
	for {
		status, cached, done := a.verifications.CheckAndMark(key)
		switch status {
		case x402.StatusCached:
			return cached, nil
		case x402.StatusInFlight:
			result, ok, err := a.verifications.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if ok {
				return result, nil
			}
			continue
		}

		resp, err := a.verify(ctx, header)
		if err == nil && resp.Valid {
			a.verifications.Complete(key, resp, done)
		} else {
			a.verifications.Fail(key, done)
		}
		return resp, err
	}
}

// SubmitPayment is VerifyPayment for clients that send the proof as a body.
func (a *Adapter) SubmitPayment(ctx context.Context, header x402.PaymentHeader) (*x402.VerifyResponse, error) {
	return a.VerifyPayment(ctx, header, nil)
}

func (a *Adapter) verify(ctx context.Context, h x402.PaymentHeader) (*x402.VerifyResponse, error) {
	p, err := a.repo.FindPayment(ctx, h.PaymentID, true)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PaymentCompleted && p.TxHashValue() == h.TxHash {
		return &x402.VerifyResponse{Valid: true, PaymentID: p.ID, TxHash: h.TxHash, Receipt: receiptFor(p, nil)}, nil
	}
	if p.Scheme != models.SchemeHeader {
		return nil, x402.NewValidationError("payment %s uses the %s scheme", p.ID, p.Scheme)
	}
	if p.Status != models.PaymentPending {
		return nil, x402.NewInvalidStateError("payment", p.ID, string(p.Status), string(models.PaymentPending))
	}
	if p.Expired(a.now()) {
		if _, err := a.payments.Fail(ctx, p.ID, x402.ErrCodePaymentExpired); err != nil && !errors.Is(err, x402.ErrInvalidState) {
			a.logger.Error().Err(err).Str("payment_id", p.ID).Msg("failed to expire payment")
		}
		return nil, x402.NewPaymentError(x402.ErrCodePaymentExpired,
			"payment "+p.ID+" expired at "+p.ExpiresAt.UTC().Format(time.RFC3339),
			map[string]interface{}{"paymentId": p.ID, "expiresAt": p.ExpiresAt.UTC()})
	}

	invalid := func(code string) *x402.VerifyResponse {
		a.logger.Warn().Str("payment_id", p.ID).Str("tx_hash", h.TxHash).Str("reason", code).Msg("payment proof rejected")
		return &x402.VerifyResponse{Valid: false, PaymentID: p.ID, TxHash: h.TxHash, Error: code}
	}
	if !x402.SameAddress(p.PayerAddress, h.Payer) {
		return invalid(ErrPayerMismatch), nil
	}
	used, err := a.repo.FindPaymentByTxHash(ctx, h.TxHash)
	if err != nil {
		return nil, err
	}
	if used != nil && used.ID != p.ID {
		return invalid(ErrTxHashReused), nil
	}

	network := x402.Network(p.Network)
	result, err := a.facilitator.VerifyTransfer(ctx, facilitator.TransferProof{
		Network:   network,
		TxHash:    h.TxHash,
		Token:     p.TokenAddress,
		Payer:     h.Payer,
		Recipient: storeWallet(p.Store, network.Family()),
		Amount:    p.Amount,
	})
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return invalid(result.Reason), nil
	}

	completed, err := a.payments.Complete(ctx, p.ID, h.TxHash, "")
	if err != nil {
		return nil, err
	}
	return &x402.VerifyResponse{
		Valid:     true,
		PaymentID: completed.ID,
		TxHash:    h.TxHash,
		Receipt:   receiptFor(completed, result.BlockNumber),
	}, nil
}

func receiptFor(p *models.Payment, block *uint64) *x402.PaymentReceipt {
	issued := p.UpdatedAt
	if p.CompletedAt != nil {
		issued = *p.CompletedAt
	}
	return &x402.PaymentReceipt{
		PaymentID:   p.ID,
		TxHash:      p.TxHashValue(),
		Status:      string(p.Status),
		BlockNumber: block,
		IssuedAt:    issued.UTC(),
	}
}

func storeWallet(store *models.Store, family x402.Family) string {
	if store == nil {
		return ""
	}
	if family == x402.FamilySVM {
		return store.SVMWalletAddress
	}
	return store.WalletAddress
}

func validateAddress(family x402.Family, field, address string) error {
	if family == x402.FamilySVM {
		if _, err := svm.ParsePublicKey(field, address); err != nil {
			return x402.NewValidationError("%v", err)
		}
		return nil
	}
	if !evm.IsValidAddress(address) {
		return x402.NewValidationError("invalid %s address %q", field, address)
	}
	return nil
}
