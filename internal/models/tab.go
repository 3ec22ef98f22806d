package models

import (
	"github.com/shopspring/decimal"
)

type TabStatus string

const (
	TabOpen           TabStatus = "OPEN"
	TabPendingPayment TabStatus = "PENDING_PAYMENT"
	TabPaid           TabStatus = "PAID"
	TabCancelled      TabStatus = "CANCELLED"
)

// Tab is an open bill at a table.
type Tab struct {
	Base
	StoreID string          `gorm:"size:36;index;not null" json:"storeId"`
	TableID *string         `gorm:"size:64" json:"tableId,omitempty"`
	Status  TabStatus       `gorm:"size:32;index;not null" json:"status"`
	Total   decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"total"`
	Items   []TabItem       `gorm:"foreignKey:TabID" json:"items,omitempty"`
	Store   *Store          `gorm:"foreignKey:StoreID" json:"store,omitempty"`
}

// TabItem is one ordered line on a tab.
type TabItem struct {
	Base
	TabID     string          `gorm:"size:36;index;not null" json:"tabId"`
	Name      string          `gorm:"size:255;not null" json:"name"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"unitPrice"`
	Position  int             `gorm:"not null" json:"position"`
}

// LineTotal is quantity times unit price.
func (i TabItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
