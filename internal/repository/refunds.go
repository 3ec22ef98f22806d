package repository

import (
	"context"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
)

func (r *Repository) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return r.conn(ctx).Create(refund).Error
}

// FindRefund loads a refund with its payment, tab and store.
func (r *Repository) FindRefund(ctx context.Context, id string) (*models.Refund, error) {
	var refund models.Refund
	if err := r.first(ctx, &refund, "refund", id, "Payment", "Payment.Tab", "Payment.Store"); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *Repository) FindRefundsByPayment(ctx context.Context, paymentID string) ([]models.Refund, error) {
	var refunds []models.Refund
	err := r.conn(ctx).Where("payment_id = ?", paymentID).Order("created_at ASC").Find(&refunds).Error
	return refunds, err
}

// CountActiveRefunds counts PENDING, APPROVED and COMPLETED refunds of a
// payment.
func (r *Repository) CountActiveRefunds(ctx context.Context, paymentID string) (int64, error) {
	var n int64
	err := r.conn(ctx).Model(&models.Refund{}).
		Where("payment_id = ? AND status IN ?", paymentID, statusStrings(models.ActiveRefundStatuses)).
		Count(&n).Error
	return n, err
}

// TransitionRefund applies updates while the refund is still in `from`.
// A refund in another status yields an InvalidState error.
func (r *Repository) TransitionRefund(ctx context.Context, id string, from models.RefundStatus, updates map[string]interface{}) error {
	ok, err := r.transition(ctx, &models.Refund{}, id, []string{string(from)}, updates)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	current, err := r.FindRefund(ctx, id)
	if err != nil {
		return err
	}
	return x402.NewInvalidStateError("refund", id, string(current.Status), string(from))
}
