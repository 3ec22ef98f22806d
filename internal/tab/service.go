// Package tab manages the bill a table runs up before paying.
package tab

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
)

// Item is a line to add to a tab.
type Item struct {
	Name      string          `json:"name" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func (i Item) validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return x402.NewValidationError("item name is required")
	}
	if i.Quantity <= 0 {
		return x402.NewValidationError("item quantity must be positive, got %d", i.Quantity)
	}
	if i.UnitPrice.IsNegative() {
		return x402.NewValidationError("item unit price must not be negative, got %s", i.UnitPrice)
	}
	return nil
}

type Service struct {
	repo   *repository.Repository
	logger zerolog.Logger
}

func NewService(repo *repository.Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "tab").Logger()}
}

// Open starts an OPEN tab for a store, optionally with initial items.
func (s *Service) Open(ctx context.Context, storeID string, tableID *string, items []Item) (*models.Tab, error) {
	if _, err := s.repo.FindStore(ctx, storeID); err != nil {
		return nil, err
	}
	lines := make([]models.TabItem, 0, len(items))
	for i, it := range items {
		if err := it.validate(); err != nil {
			return nil, err
		}
		lines = append(lines, models.TabItem{
			Name:      strings.TrimSpace(it.Name),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Position:  i,
		})
	}

	t := &models.Tab{
		StoreID: storeID,
		TableID: tableID,
		Status:  models.TabOpen,
		Total:   repository.TabTotal(lines),
		Items:   lines,
	}
	if err := s.repo.CreateTab(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tab_id", t.ID).Str("store_id", storeID).Msg("tab opened")
	return s.repo.FindTab(ctx, t.ID)
}

// AddItem appends a line to an OPEN tab.
func (s *Service) AddItem(ctx context.Context, tabID string, item Item) (*models.Tab, error) {
	if err := item.validate(); err != nil {
		return nil, err
	}
	return s.repo.AddTabItem(ctx, tabID, &models.TabItem{
		Name:      strings.TrimSpace(item.Name),
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
	})
}

// RequestPayment closes the tab for ordering and makes it payable.
func (s *Service) RequestPayment(ctx context.Context, tabID string) (*models.Tab, error) {
	t, err := s.repo.FindTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if !t.Total.IsPositive() {
		return nil, x402.NewValidationError("tab %s has nothing to pay", tabID)
	}
	if err := s.repo.TransitionTab(ctx, tabID, models.TabPendingPayment, models.TabOpen); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tab_id", tabID).Str("total", t.Total.String()).Msg("payment requested")
	return s.repo.FindTab(ctx, tabID)
}

// Cancel abandons an unpaid tab.
func (s *Service) Cancel(ctx context.Context, tabID string) (*models.Tab, error) {
	if err := s.repo.TransitionTab(ctx, tabID, models.TabCancelled, models.TabOpen, models.TabPendingPayment); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tab_id", tabID).Msg("tab cancelled")
	return s.repo.FindTab(ctx, tabID)
}

func (s *Service) FindOne(ctx context.Context, tabID string) (*models.Tab, error) {
	return s.repo.FindTab(ctx, tabID)
}
