package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
)

func (r *Repository) CreateSettlement(ctx context.Context, settlement *models.Settlement) error {
	return r.conn(ctx).Create(settlement).Error
}

// SetSettlementTotals records the claimed payments and their sum.
func (r *Repository) SetSettlementTotals(ctx context.Context, settlement *models.Settlement, amount decimal.Decimal, paymentIDs []string) error {
	settlement.Amount = amount
	settlement.PaymentIDs = paymentIDs
	return r.conn(ctx).Model(settlement).Select("amount", "payment_ids").Updates(settlement).Error
}

func (r *Repository) FindSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	var settlement models.Settlement
	if err := r.first(ctx, &settlement, "settlement", id); err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (r *Repository) FindSettlementsByStore(ctx context.Context, storeID string) ([]models.Settlement, error) {
	var settlements []models.Settlement
	err := r.conn(ctx).Where("store_id = ?", storeID).Order("created_at DESC").Find(&settlements).Error
	return settlements, err
}

// CompleteSettlement moves a PENDING settlement to COMPLETED.
func (r *Repository) CompleteSettlement(ctx context.Context, id, reference string, processedAt time.Time) error {
	ok, err := r.transition(ctx, &models.Settlement{}, id, []string{string(models.SettlementPending)}, map[string]interface{}{
		"status":       models.SettlementCompleted,
		"processed_at": processedAt,
		"tx_reference": reference,
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	current, err := r.FindSettlement(ctx, id)
	if err != nil {
		return err
	}
	return x402.NewInvalidStateError("settlement", id, string(current.Status), string(models.SettlementPending))
}
