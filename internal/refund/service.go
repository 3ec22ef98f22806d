// Package refund runs approval-gated refunds of completed payments.
package refund

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/internal/telemetry"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// Facilitator is the refund side of facilitator.Facilitator.
type Facilitator interface {
	Network(family x402.Family) (facilitator.NetworkInfo, error)
	GenerateRefundData(ctx context.Context, refundID, storeWallet, customer string, amount decimal.Decimal, token string) (*evm.PermitData, error)
	ProcessRefund(ctx context.Context, transfer facilitator.PermitTransfer) (*x402.SettleResult, error)
	BuildFeePayerTransaction(ctx context.Context, sender, recipient string, amount decimal.Decimal, mint string) (*svm.SponsoredTransaction, error)
	SubmitSponsoredTransaction(ctx context.Context, transfer facilitator.SponsoredTransfer) (*x402.SettleResult, error)
}

// Kinds of refund signing payloads.
const (
	KindPermit    = "permit"
	KindSponsored = "sponsored"
)

// CreateRequest asks for a refund. A nil Amount refunds the whole payment.
type CreateRequest struct {
	PaymentID   string           `json:"paymentId" binding:"required"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Reason      string           `json:"reason"`
	RequestedBy string           `json:"requestedBy"`
}

// PermitResponse is what the store owner signs to release a refund.
// Exactly one of Permit and Transaction is set, as named by Kind.
type PermitResponse struct {
	Kind        string                    `json:"kind"`
	RefundID    string                    `json:"refundId"`
	Permit      *evm.PermitData           `json:"permit,omitempty"`
	Transaction *svm.SponsoredTransaction `json:"transaction,omitempty"`
}

// Proof is the store owner's authorisation of a refund: a permit signature
// with its deadline, or a signed fee-payer transaction.
type Proof struct {
	evm.SignatureInput
	Deadline                 *big.Int `json:"deadline,omitempty"`
	TransactionBytes         string   `json:"transactionBytes,omitempty"`
	SenderAuthenticatorBytes string   `json:"senderAuthenticatorBytes,omitempty"`
}

// Kind validates the union and names the populated variant.
func (p Proof) Kind() (string, error) {
	hasPermit := p.Signature != "" || p.V != nil || p.R != "" || p.S != "" || p.Deadline != nil
	hasSponsored := p.TransactionBytes != "" || p.SenderAuthenticatorBytes != ""
	switch {
	case hasPermit && hasSponsored:
		return "", x402.NewValidationError("provide either a permit signature or a sponsored transaction, not both")
	case hasSponsored:
		if p.TransactionBytes == "" || p.SenderAuthenticatorBytes == "" {
			return "", x402.NewValidationError("transactionBytes and senderAuthenticatorBytes are both required")
		}
		return KindSponsored, nil
	case hasPermit:
		if _, err := p.SignatureInput.Resolve(); err != nil {
			return "", x402.NewValidationError("%v", err)
		}
		if p.Deadline == nil || p.Deadline.Sign() <= 0 {
			return "", x402.NewValidationError("deadline is required")
		}
		return KindPermit, nil
	default:
		return "", x402.NewValidationError("refund proof is required")
	}
}

type Service struct {
	repo        *repository.Repository
	facilitator Facilitator
	inFlight    *x402.SubmissionCache[*models.Refund]
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "refund").Logger() }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo *repository.Repository, f Facilitator, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		facilitator: f,
		inFlight:    x402.NewSubmissionCache[*models.Refund](time.Minute),
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a PENDING refund. The payment row is locked first so
// concurrent requests for one payment are checked one after another.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Refund, error) {
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, x402.NewValidationError("refund amount must be positive, got %s", req.Amount)
	}

	var refund *models.Refund
	err := s.repo.WithTx(ctx, func(tx *repository.Repository) error {
		if err := tx.LockPayment(ctx, req.PaymentID); err != nil {
			return err
		}
		payment, err := tx.FindPayment(ctx, req.PaymentID, false)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentCompleted {
			return x402.NewInvalidStateError("payment", payment.ID, string(payment.Status), string(models.PaymentCompleted))
		}
		active, err := tx.CountActiveRefunds(ctx, payment.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			return x402.NewPaymentError(x402.ErrCodeRefundInProgress,
				"payment "+payment.ID+" already has a refund", map[string]interface{}{"paymentId": payment.ID})
		}

		amount := payment.Amount
		if req.Amount != nil {
			amount = *req.Amount
		}
		if amount.GreaterThan(payment.Amount) {
			return x402.NewPaymentError(x402.ErrCodeAmountExceedsPayment,
				"refund of "+amount.String()+" exceeds payment of "+payment.Amount.String(),
				map[string]interface{}{"amount": amount.String(), "paymentAmount": payment.Amount.String()})
		}

		refund = &models.Refund{
			PaymentID:   payment.ID,
			Amount:      amount,
			Reason:      req.Reason,
			RequestedBy: req.RequestedBy,
			Status:      models.RefundPending,
		}
		return tx.CreateRefund(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RefundRecorded(ctx, string(models.RefundPending))
	s.logger.Info().
		Str("refund_id", refund.ID).
		Str("payment_id", refund.PaymentID).
		Str("amount", refund.Amount.String()).
		Msg("refund requested")
	return refund, nil
}

func (s *Service) Approve(ctx context.Context, id string) (*models.Refund, error) {
	err := s.repo.TransitionRefund(ctx, id, models.RefundPending, map[string]interface{}{
		"status":      models.RefundApproved,
		"approved_at": s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RefundRecorded(ctx, string(models.RefundApproved))
	s.logger.Info().Str("refund_id", id).Msg("refund approved")
	return s.repo.FindRefund(ctx, id)
}

func (s *Service) Reject(ctx context.Context, id, reason string) (*models.Refund, error) {
	err := s.repo.TransitionRefund(ctx, id, models.RefundPending, map[string]interface{}{
		"status":           models.RefundRejected,
		"rejection_reason": reason,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RefundRecorded(ctx, string(models.RefundRejected))
	s.logger.Info().Str("refund_id", id).Str("reason", reason).Msg("refund rejected")
	return s.repo.FindRefund(ctx, id)
}

// GetRefundPermitData builds what the store owner signs for an APPROVED
// refund, in the family the original payment was made on.
func (s *Service) GetRefundPermitData(ctx context.Context, id string) (*PermitResponse, error) {
	refund, err := s.approved(ctx, id)
	if err != nil {
		return nil, err
	}
	payment, store := refund.Payment, refund.Payment.Store

	if refundKind(payment) == KindSponsored {
		if store.SVMWalletAddress == "" {
			return nil, x402.NewValidationError("store %s has no Solana wallet", store.ID)
		}
		tx, err := s.facilitator.BuildFeePayerTransaction(ctx, store.SVMWalletAddress, payment.PayerAddress, refund.Amount, payment.TokenAddress)
		if err != nil {
			return nil, err
		}
		return &PermitResponse{Kind: KindSponsored, RefundID: refund.ID, Transaction: tx}, nil
	}

	permit, err := s.facilitator.GenerateRefundData(ctx, refund.ID, store.WalletAddress, payment.PayerAddress, refund.Amount, payment.TokenAddress)
	if err != nil {
		return nil, err
	}
	return &PermitResponse{Kind: KindPermit, RefundID: refund.ID, Permit: permit}, nil
}

// ProcessRefund submits the store owner's proof. Any failure after
// validation leaves the refund FAILED and is returned alongside it.
func (s *Service) ProcessRefund(ctx context.Context, id string, proof Proof) (*models.Refund, error) {
	kind, err := proof.Kind()
	if err != nil {
		return nil, err
	}

	key := "refund:" + id
	status, _, done := s.inFlight.CheckAndMark(key)
	if status != x402.StatusNotFound {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidState,
			"refund "+id+" is already being processed", map[string]interface{}{"id": id})
	}

	refund, err := s.process(ctx, id, kind, proof)
	if err == nil {
		s.inFlight.Complete(key, refund, done)
	} else {
		s.inFlight.Fail(key, done)
	}
	return refund, err
}

func (s *Service) process(ctx context.Context, id, kind string, proof Proof) (*models.Refund, error) {
	refund, err := s.approved(ctx, id)
	if err != nil {
		return nil, err
	}
	if want := refundKind(refund.Payment); kind != want {
		return nil, x402.NewValidationError("refund %s needs a %s proof", id, want)
	}

	result, err := s.submit(ctx, refund, kind, proof)
	if err != nil {
		reason := "refund_error"
		var pe *x402.PaymentError
		if errors.As(err, &pe) {
			reason = pe.Code
		}
		failed, markErr := s.markFailed(ctx, id, reason)
		if markErr != nil {
			return nil, errors.Join(err, markErr)
		}
		return failed, err
	}
	if !result.Success {
		failed, err := s.markFailed(ctx, id, result.Error)
		if err != nil {
			return nil, err
		}
		return failed, x402.NewRefundFailedError(result.Error)
	}

	err = s.repo.TransitionRefund(ctx, id, models.RefundApproved, map[string]interface{}{
		"status":       models.RefundCompleted,
		"tx_hash":      result.TxHash,
		"processed_at": s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RefundRecorded(ctx, string(models.RefundCompleted))
	s.logger.Info().Str("refund_id", id).Str("tx_hash", result.TxHash).Msg("refund completed")
	return s.repo.FindRefund(ctx, id)
}

func (s *Service) submit(ctx context.Context, refund *models.Refund, kind string, proof Proof) (*x402.SettleResult, error) {
	payment, store := refund.Payment, refund.Payment.Store
	if kind == KindSponsored {
		return s.facilitator.SubmitSponsoredTransaction(ctx, facilitator.SponsoredTransfer{
			Reference:           refund.ID,
			TransactionBytes:    proof.TransactionBytes,
			SenderAuthenticator: proof.SenderAuthenticatorBytes,
			Sender:              store.SVMWalletAddress,
			Recipient:           payment.PayerAddress,
			Mint:                payment.TokenAddress,
			Amount:              refund.Amount,
		})
	}

	network, err := s.facilitator.Network(x402.FamilyEVM)
	if err != nil {
		return nil, err
	}
	value, err := evm.ParseAmount(refund.Amount, network.Asset.Decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	return s.facilitator.ProcessRefund(ctx, facilitator.PermitTransfer{
		Reference: refund.ID,
		Owner:     store.WalletAddress,
		Recipient: payment.PayerAddress,
		Token:     payment.TokenAddress,
		Value:     value,
		Deadline:  proof.Deadline,
		Signature: proof.SignatureInput,
	})
}

func (s *Service) markFailed(ctx context.Context, id, reason string) (*models.Refund, error) {
	err := s.repo.TransitionRefund(ctx, id, models.RefundApproved, map[string]interface{}{
		"status":         models.RefundFailed,
		"failure_reason": reason,
		"processed_at":   s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RefundRecorded(ctx, string(models.RefundFailed))
	s.logger.Warn().Str("refund_id", id).Str("reason", reason).Msg("refund failed")
	return s.repo.FindRefund(ctx, id)
}

func (s *Service) approved(ctx context.Context, id string) (*models.Refund, error) {
	refund, err := s.repo.FindRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	if refund.Status != models.RefundApproved {
		return nil, x402.NewInvalidStateError("refund", id, string(refund.Status), string(models.RefundApproved))
	}
	if refund.Payment == nil || refund.Payment.Store == nil {
		return nil, x402.NewNotFoundError("payment", refund.PaymentID)
	}
	return refund, nil
}

// refundKind sends funds back on the family the customer paid on.
func refundKind(p *models.Payment) string {
	if x402.Network(p.Network).Family() == x402.FamilySVM {
		return KindSponsored
	}
	return KindPermit
}

func (s *Service) FindOne(ctx context.Context, id string) (*models.Refund, error) {
	return s.repo.FindRefund(ctx, id)
}

func (s *Service) FindByPayment(ctx context.Context, paymentID string) ([]models.Refund, error) {
	if _, err := s.repo.FindPayment(ctx, paymentID, false); err != nil {
		return nil, err
	}
	return s.repo.FindRefundsByPayment(ctx, paymentID)
}
