package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
)

func (r *Repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.conn(ctx).Create(payment).Error
}

// FindPayment loads a payment, optionally with its tab and store.
func (r *Repository) FindPayment(ctx context.Context, id string, withRelations bool) (*models.Payment, error) {
	var payment models.Payment
	var preloads []string
	if withRelations {
		preloads = []string{"Tab", "Store"}
	}
	if err := r.first(ctx, &payment, "payment", id, preloads...); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *Repository) FindPaymentsByTab(ctx context.Context, tabID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.conn(ctx).Where("tab_id = ?", tabID).Order("created_at ASC").Find(&payments).Error
	return payments, err
}

func (r *Repository) FindPendingPaymentsByTab(ctx context.Context, tabID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.conn(ctx).
		Where("tab_id = ? AND status = ?", tabID, models.PaymentPending).
		Find(&payments).Error
	return payments, err
}

// FindPaymentByTxHash returns nil when no payment carries the hash.
func (r *Repository) FindPaymentByTxHash(ctx context.Context, txHash string) (*models.Payment, error) {
	var payment models.Payment
	err := r.conn(ctx).Where("tx_hash = ?", txHash).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// CompletePayment moves a PENDING payment to COMPLETED. It reports false
// when the payment was no longer PENDING.
func (r *Repository) CompletePayment(ctx context.Context, id, txHash, payer string, completedAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":       models.PaymentCompleted,
		"tx_hash":      txHash,
		"completed_at": completedAt,
	}
	if payer != "" {
		updates["payer_address"] = payer
	}
	return r.transition(ctx, &models.Payment{}, id, []string{string(models.PaymentPending)}, updates)
}

// FailPayment moves a PENDING payment to FAILED.
func (r *Repository) FailPayment(ctx context.Context, id, reason string) (bool, error) {
	return r.transition(ctx, &models.Payment{}, id, []string{string(models.PaymentPending)}, map[string]interface{}{
		"status":         models.PaymentFailed,
		"failure_reason": reason,
	})
}

// LockPayment serializes writers of one payment for the rest of the
// transaction.
func (r *Repository) LockPayment(ctx context.Context, id string) error {
	if err := r.touch(ctx, &models.Payment{}, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return x402.NewNotFoundError("payment", id)
		}
		return err
	}
	return nil
}

// ClaimUnsettledPayments attaches every unclaimed COMPLETED payment of the
// store to the settlement and returns how many rows it claimed.
func (r *Repository) ClaimUnsettledPayments(ctx context.Context, storeID, settlementID string) (int64, error) {
	res := r.conn(ctx).Model(&models.Payment{}).
		Where("store_id = ? AND status = ? AND settlement_id IS NULL", storeID, models.PaymentCompleted).
		Update("settlement_id", settlementID)
	return res.RowsAffected, res.Error
}

// FindPaymentsBySettlement lists the payments claimed by a settlement in
// completion order.
func (r *Repository) FindPaymentsBySettlement(ctx context.Context, settlementID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.conn(ctx).
		Where("settlement_id = ?", settlementID).
		Order("completed_at ASC").Order("id ASC").
		Find(&payments).Error
	return payments, err
}

// FindUnsettledPayments lists COMPLETED payments of a store not yet in a
// settlement.
func (r *Repository) FindUnsettledPayments(ctx context.Context, storeID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.conn(ctx).
		Where("store_id = ? AND status = ? AND settlement_id IS NULL", storeID, models.PaymentCompleted).
		Find(&payments).Error
	return payments, err
}

// StoresWithUnsettledPayments lists store ids that have something to settle.
func (r *Repository) StoresWithUnsettledPayments(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.conn(ctx).Model(&models.Payment{}).
		Where("status = ? AND settlement_id IS NULL", models.PaymentCompleted).
		Distinct().
		Order("store_id").
		Pluck("store_id", &ids).Error
	return ids, err
}
