// Package settlement batches a store's completed payments into
// settlements, on demand, after a quiet period and on a daily sweep.
package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/internal/telemetry"
)

// Summary is a store's settlement position.
type Summary struct {
	StoreID         string          `json:"storeId"`
	PendingCount    int             `json:"pendingCount"`
	PendingAmount   decimal.Decimal `json:"pendingAmount"`
	CompletedCount  int             `json:"completedCount"`
	CompletedAmount decimal.Decimal `json:"completedAmount"`
	UnsettledCount  int             `json:"unsettledCount"`
	UnsettledAmount decimal.Decimal `json:"unsettledAmount"`
}

type Service struct {
	repo    *repository.Repository
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "settlement").Logger() }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo *repository.Repository, opts ...Option) *Service {
	s := &Service{repo: repo, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create claims every unsettled COMPLETED payment of the store into a new
// PENDING settlement. A payment is claimed by at most one settlement; with
// nothing left to claim the settlement is rolled back and
// ErrNoUnsettledPayments is returned.
func (s *Service) Create(ctx context.Context, storeID string) (*models.Settlement, error) {
	if _, err := s.repo.FindStore(ctx, storeID); err != nil {
		return nil, err
	}

	var settlement *models.Settlement
	err := s.repo.WithTx(ctx, func(tx *repository.Repository) error {
		settlement = &models.Settlement{
			StoreID:    storeID,
			Amount:     decimal.Zero,
			Status:     models.SettlementPending,
			PaymentIDs: []string{},
		}
		if err := tx.CreateSettlement(ctx, settlement); err != nil {
			return err
		}
		claimed, err := tx.ClaimUnsettledPayments(ctx, storeID, settlement.ID)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return x402.NewPaymentError(x402.ErrCodeNoUnsettledPayments,
				"store "+storeID+" has no unsettled payments", map[string]interface{}{"storeId": storeID})
		}

		payments, err := tx.FindPaymentsBySettlement(ctx, settlement.ID)
		if err != nil {
			return err
		}
		total := decimal.Zero
		ids := make([]string, 0, len(payments))
		for _, p := range payments {
			total = total.Add(p.Amount)
			ids = append(ids, p.ID)
		}
		return tx.SetSettlementTotals(ctx, settlement, total, ids)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SettlementRecorded(ctx, string(models.SettlementPending))
	s.logger.Info().
		Str("settlement_id", settlement.ID).
		Str("store_id", storeID).
		Int("payments", len(settlement.PaymentIDs)).
		Str("amount", settlement.Amount.String()).
		Msg("settlement created")
	return settlement, nil
}

// ProcessSettlement completes a PENDING settlement. Funds already sit in
// the store wallet, so completion records the reconciliation reference.
func (s *Service) ProcessSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	if err := s.repo.CompleteSettlement(ctx, id, models.OffChainReconciliation, s.now().UTC()); err != nil {
		return nil, err
	}
	settlement, err := s.repo.FindSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.SettlementRecorded(ctx, string(models.SettlementCompleted))
	s.logger.Info().Str("settlement_id", id).Msg("settlement processed")
	return settlement, nil
}

// SettleStore creates and immediately processes a settlement.
func (s *Service) SettleStore(ctx context.Context, storeID string) (*models.Settlement, error) {
	settlement, err := s.Create(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return s.ProcessSettlement(ctx, settlement.ID)
}

// GetSettlementSummary reports pending, completed and unsettled totals.
func (s *Service) GetSettlementSummary(ctx context.Context, storeID string) (*Summary, error) {
	if _, err := s.repo.FindStore(ctx, storeID); err != nil {
		return nil, err
	}
	settlements, err := s.repo.FindSettlementsByStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	unsettled, err := s.repo.FindUnsettledPayments(ctx, storeID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		StoreID:         storeID,
		PendingAmount:   decimal.Zero,
		CompletedAmount: decimal.Zero,
		UnsettledAmount: decimal.Zero,
	}
	for _, st := range settlements {
		switch st.Status {
		case models.SettlementPending:
			summary.PendingCount++
			summary.PendingAmount = summary.PendingAmount.Add(st.Amount)
		case models.SettlementCompleted:
			summary.CompletedCount++
			summary.CompletedAmount = summary.CompletedAmount.Add(st.Amount)
		}
	}
	for _, p := range unsettled {
		summary.UnsettledCount++
		summary.UnsettledAmount = summary.UnsettledAmount.Add(p.Amount)
	}
	return summary, nil
}

func (s *Service) FindOne(ctx context.Context, id string) (*models.Settlement, error) {
	return s.repo.FindSettlement(ctx, id)
}

func (s *Service) FindByStore(ctx context.Context, storeID string) ([]models.Settlement, error) {
	if _, err := s.repo.FindStore(ctx, storeID); err != nil {
		return nil, err
	}
	return s.repo.FindSettlementsByStore(ctx, storeID)
}
