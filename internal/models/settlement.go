package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementCompleted SettlementStatus = "COMPLETED"
)

// OffChainReconciliation is the settlement reference recorded when funds
// already sit in the store wallet and settlement only reconciles books.
const OffChainReconciliation = "off-chain-reconciliation"

// Settlement batches completed payments of one store.
type Settlement struct {
	Base
	StoreID     string           `gorm:"size:36;index;not null" json:"storeId"`
	Amount      decimal.Decimal  `gorm:"type:decimal(20,6);not null" json:"amount"`
	Status      SettlementStatus `gorm:"size:16;index;not null" json:"status"`
	PaymentIDs  []string         `gorm:"serializer:json;type:text" json:"paymentIds"`
	ProcessedAt *time.Time       `json:"processedAt,omitempty"`
	TxReference string           `gorm:"size:128" json:"txReference,omitempty"`
}
