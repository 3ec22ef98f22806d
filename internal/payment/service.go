// Package payment drives a tab's payment from initiation to a terminal
// state.
package payment

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
)

// DefaultSubmissionTTL is how long a completed submission is remembered
// for retrying clients.
const DefaultSubmissionTTL = 10 * time.Minute

// Facilitator is the permit side of facilitator.Facilitator.
type Facilitator interface {
	Network(family x402.Family) (facilitator.NetworkInfo, error)
	GeneratePaymentData(ctx context.Context, paymentID, from, to string, amount decimal.Decimal, token string) (*evm.PermitData, error)
	ProcessPayment(ctx context.Context, transfer facilitator.PermitTransfer) (*x402.SettleResult, error)
}

// SettlementScheduler is notified whenever a store receives a payment.
type SettlementScheduler interface {
	ScheduleAutoSettlement(storeID string)
}

// Initiation is what a customer needs to sign a permit payment.
type Initiation struct {
	PaymentID string          `json:"paymentId"`
	Amount    string          `json:"amount"`
	Token     string          `json:"token"`
	Network   x402.Network    `json:"network"`
	Permit    *evm.PermitData `json:"permit"`
}

// Service is safe for concurrent use.
type Service struct {
	repo        *repository.Repository
	facilitator Facilitator
	scheduler   SettlementScheduler
	submissions *x402.SubmissionCache[*models.Payment]
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "payment").Logger() }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSubmissions shares the in-flight guard with other entry points that
// submit payments, such as the sponsored flow.
func WithSubmissions(c *x402.SubmissionCache[*models.Payment]) Option {
	return func(s *Service) { s.submissions = c }
}

func NewService(repo *repository.Repository, f Facilitator, scheduler SettlementScheduler, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		facilitator: f,
		scheduler:   scheduler,
		submissions: x402.NewSubmissionCache[*models.Payment](DefaultSubmissionTTL),
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submissions exposes the in-flight guard.
func (s *Service) Submissions() *x402.SubmissionCache[*models.Payment] {
	return s.submissions
}

// Initiate opens a permit payment for a tab awaiting payment.
func (s *Service) Initiate(ctx context.Context, tabID, payer string) (*Initiation, error) {
	if !evm.IsValidAddress(payer) {
		return nil, x402.NewValidationError("invalid payer address %q", payer)
	}
	network, err := s.facilitator.Network(x402.FamilyEVM)
	if err != nil {
		return nil, err
	}

	var (
		payment *models.Payment
		store   *models.Store
	)
	err = s.repo.WithTx(ctx, func(tx *repository.Repository) error {
		var err error
		payment, store, err = s.Open(ctx, tx, tabID, payer, models.SchemePermit, network, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !evm.IsValidAddress(store.WalletAddress) {
		s.failQuietly(ctx, payment.ID, "store_wallet_missing")
		return nil, x402.NewValidationError("store %s has no EVM wallet", store.ID)
	}

	permit, err := s.facilitator.GeneratePaymentData(ctx, payment.ID, payer, store.WalletAddress, payment.Amount, payment.TokenAddress)
	if err != nil {
		s.failQuietly(ctx, payment.ID, "permit_generation_failed")
		return nil, err
	}

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("tab_id", tabID).
		Str("amount", payment.Amount.String()).
		Msg("payment initiated")

	return &Initiation{
		PaymentID: payment.ID,
		Amount:    x402.FormatAmount(payment.Amount),
		Token:     payment.TokenAddress,
		Network:   network.Network,
		Permit:    permit,
	}, nil
}

// Open creates a PENDING payment of the given scheme for a tab awaiting
// payment, superseding any older PENDING payment of the tab. It must run
// inside tx.
func (s *Service) Open(
	ctx context.Context,
	tx *repository.Repository,
	tabID, payer string,
	scheme models.PaymentScheme,
	network facilitator.NetworkInfo,
	expiresAt *time.Time,
) (*models.Payment, *models.Store, error) {
	if err := tx.LockTab(ctx, tabID); err != nil {
		return nil, nil, err
	}
	tab, err := tx.FindTab(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}
	if tab.Status != models.TabPendingPayment {
		return nil, nil, x402.NewInvalidStateError("tab", tabID, string(tab.Status), string(models.TabPendingPayment))
	}
	if !tab.Total.IsPositive() {
		return nil, nil, x402.NewValidationError("tab %s has nothing to pay", tabID)
	}
	if tab.Store == nil {
		return nil, nil, x402.NewNotFoundError("store", tab.StoreID)
	}

	pending, err := tx.FindPendingPaymentsByTab(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range pending {
		if s.submissions.InFlight(x402.PaymentKey(p.ID)) {
			return nil, nil, x402.NewPaymentError(x402.ErrCodeInvalidState,
				"payment "+p.ID+" is being submitted", map[string]interface{}{"id": p.ID})
		}
		if _, err := tx.FailPayment(ctx, p.ID, models.FailureSuperseded); err != nil {
			return nil, nil, err
		}
	}

	payment := &models.Payment{
		TabID:        tab.ID,
		StoreID:      tab.StoreID,
		PayerAddress: payer,
		Amount:       tab.Total,
		TokenAddress: network.Asset.Address,
		Network:      string(network.Network),
		Scheme:       scheme,
		Status:       models.PaymentPending,
		ExpiresAt:    expiresAt,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, nil, err
	}
	s.metrics.PaymentRecorded(ctx, string(scheme), string(models.PaymentPending))
	return payment, tab.Store, nil
}

// Submit applies the customer's permit signature. Concurrent submits of
// one payment collapse: the loser gets InvalidState.
func (s *Service) Submit(ctx context.Context, paymentID string, signature evm.SignatureInput, deadline *big.Int) (*models.Payment, error) {
	if _, err := signature.Resolve(); err != nil {
		return nil, x402.NewValidationError("%v", err)
	}
	if deadline == nil || deadline.Sign() <= 0 {
		return nil, x402.NewValidationError("deadline is required")
	}

	key := x402.PaymentKey(paymentID)
	status, _, done := s.submissions.CheckAndMark(key)
	if status != x402.StatusNotFound {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidState,
			"payment "+paymentID+" is already being submitted", map[string]interface{}{"id": paymentID})
	}

	payment, err := s.submit(ctx, paymentID, signature, deadline)
	if err == nil {
		s.submissions.Complete(key, payment, done)
	} else {
		s.submissions.Fail(key, done)
	}
	return payment, err
}

func (s *Service) submit(ctx context.Context, paymentID string, signature evm.SignatureInput, deadline *big.Int) (*models.Payment, error) {
	payment, err := s.repo.FindPayment(ctx, paymentID, true)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentPending {
		return nil, x402.NewInvalidStateError("payment", paymentID, string(payment.Status), string(models.PaymentPending))
	}
	if payment.Scheme != models.SchemePermit {
		return nil, x402.NewValidationError("payment %s uses the %s scheme", paymentID, payment.Scheme)
	}
	network, err := s.facilitator.Network(x402.FamilyEVM)
	if err != nil {
		return nil, err
	}
	value, err := evm.ParseAmount(payment.Amount, network.Asset.Decimals)
	if err != nil {
		return nil, x402.NewValidationError("%v", err)
	}

	result, err := s.facilitator.ProcessPayment(ctx, facilitator.PermitTransfer{
		Reference: payment.ID,
		Owner:     payment.PayerAddress,
		Recipient: payment.Store.WalletAddress,
		Token:     payment.TokenAddress,
		Value:     value,
		Deadline:  deadline,
		Signature: signature,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		failed, err := s.Fail(ctx, paymentID, result.Error)
		if err != nil {
			return nil, err
		}
		return failed, x402.NewSettlementFailedError(result.Error)
	}
	return s.Complete(ctx, paymentID, result.TxHash, "")
}

// Complete records a confirmed transfer: the payment becomes COMPLETED, its
// tab PAID, and the store's auto-settlement is (re)armed. payer, when set,
// replaces the recorded payer address.
func (s *Service) Complete(ctx context.Context, paymentID, txHash, payer string) (*models.Payment, error) {
	var payment *models.Payment
	err := s.repo.WithTx(ctx, func(tx *repository.Repository) error {
		ok, err := tx.CompletePayment(ctx, paymentID, txHash, payer, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			current, err := tx.FindPayment(ctx, paymentID, false)
			if err != nil {
				return err
			}
			return x402.NewInvalidStateError("payment", paymentID, string(current.Status), string(models.PaymentPending))
		}
		payment, err = tx.FindPayment(ctx, paymentID, true)
		if err != nil {
			return err
		}
		err = tx.TransitionTab(ctx, payment.TabID, models.TabPaid, models.TabPendingPayment)
		if errors.Is(err, x402.ErrInvalidState) {
			s.logger.Warn().Err(err).Str("payment_id", paymentID).Msg("payment completed on a tab no longer awaiting payment")
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PaymentRecorded(ctx, string(payment.Scheme), string(models.PaymentCompleted))
	s.logger.Info().
		Str("payment_id", paymentID).
		Str("tx_hash", txHash).
		Msg("payment completed")
	if s.scheduler != nil {
		s.scheduler.ScheduleAutoSettlement(payment.StoreID)
	}
	return s.repo.FindPayment(ctx, paymentID, true)
}

// Fail records a failed attempt. The tab is left untouched so the customer
// can try again with a fresh payment.
func (s *Service) Fail(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	ok, err := s.repo.FailPayment(ctx, paymentID, reason)
	if err != nil {
		return nil, err
	}
	payment, err := s.repo.FindPayment(ctx, paymentID, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, x402.NewInvalidStateError("payment", paymentID, string(payment.Status), string(models.PaymentPending))
	}
	s.metrics.PaymentRecorded(ctx, string(payment.Scheme), string(models.PaymentFailed))
	s.logger.Warn().
		Str("payment_id", paymentID).
		Str("reason", reason).
		Msg("payment failed")
	return payment, nil
}

func (s *Service) failQuietly(ctx context.Context, paymentID, reason string) {
	if _, err := s.Fail(ctx, paymentID, reason); err != nil {
		s.logger.Error().Err(err).Str("payment_id", paymentID).Msg("failed to mark payment failed")
	}
}

// FindOne loads a payment with its tab and store.
func (s *Service) FindOne(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.repo.FindPayment(ctx, paymentID, true)
}

// FindByTab lists every payment attempt of a tab.
func (s *Service) FindByTab(ctx context.Context, tabID string) ([]models.Payment, error) {
	if _, err := s.repo.FindTab(ctx, tabID); err != nil {
		return nil, err
	}
	return s.repo.FindPaymentsByTab(ctx, tabID)
}
