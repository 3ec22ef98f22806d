package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
)

func (r *Repository) CreateStore(ctx context.Context, store *models.Store) error {
	return r.conn(ctx).Create(store).Error
}

func (r *Repository) FindStore(ctx context.Context, id string) (*models.Store, error) {
	var store models.Store
	if err := r.first(ctx, &store, "store", id); err != nil {
		return nil, err
	}
	return &store, nil
}

func (r *Repository) CreateTab(ctx context.Context, tab *models.Tab) error {
	return r.conn(ctx).Create(tab).Error
}

// FindTab loads a tab with its items in order.
func (r *Repository) FindTab(ctx context.Context, id string) (*models.Tab, error) {
	var tab models.Tab
	err := r.conn(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Store").
		Where("id = ?", id).
		First(&tab).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, x402.NewNotFoundError("tab", id)
		}
		return nil, fmt.Errorf("find tab %s: %w", id, err)
	}
	return &tab, nil
}

// LockTab serializes writers of one tab for the rest of the transaction.
func (r *Repository) LockTab(ctx context.Context, id string) error {
	if err := r.touch(ctx, &models.Tab{}, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return x402.NewNotFoundError("tab", id)
		}
		return err
	}
	return nil
}

// AddTabItem appends an item to an OPEN tab and recomputes the total.
func (r *Repository) AddTabItem(ctx context.Context, tabID string, item *models.TabItem) (*models.Tab, error) {
	var tab *models.Tab
	err := r.WithTx(ctx, func(tx *Repository) error {
		if err := tx.LockTab(ctx, tabID); err != nil {
			return err
		}
		current, err := tx.FindTab(ctx, tabID)
		if err != nil {
			return err
		}
		if current.Status != models.TabOpen {
			return x402.NewInvalidStateError("tab", tabID, string(current.Status), string(models.TabOpen))
		}

		item.TabID = tabID
		item.Position = len(current.Items)
		if err := tx.conn(ctx).Create(item).Error; err != nil {
			return err
		}
		total := item.LineTotal()
		for _, existing := range current.Items {
			total = total.Add(existing.LineTotal())
		}
		if err := tx.conn(ctx).Model(&models.Tab{}).Where("id = ?", tabID).Update("total", total).Error; err != nil {
			return err
		}
		tab, err = tx.FindTab(ctx, tabID)
		return err
	})
	return tab, err
}

// TransitionTab moves a tab to `to` if it is in one of `from`.
func (r *Repository) TransitionTab(ctx context.Context, id string, to models.TabStatus, from ...models.TabStatus) error {
	ok, err := r.transition(ctx, &models.Tab{}, id, statusStrings(from), map[string]interface{}{"status": to})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	tab, err := r.FindTab(ctx, id)
	if err != nil {
		return err
	}
	return x402.NewInvalidStateError("tab", id, string(tab.Status), joinStatuses(from))
}

// TabTotal sums item lines, for tabs created with items inline.
func TabTotal(items []models.TabItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func joinStatuses[S ~string](in []S) string {
	out := ""
	for i, s := range in {
		if i > 0 {
			out += " or "
		}
		out += string(s)
	}
	return out
}
