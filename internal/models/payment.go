package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// PaymentScheme is how the customer authorises the transfer.
type PaymentScheme string

const (
	SchemePermit    PaymentScheme = "permit"
	SchemeSponsored PaymentScheme = "sponsored"
	SchemeHeader    PaymentScheme = "header"
)

// FailureSuperseded marks a pending payment replaced by a newer initiation.
const FailureSuperseded = "superseded"

// Payment is one attempt to pay a tab. It reaches a terminal status once.
type Payment struct {
	Base
	TabID         string          `gorm:"size:36;index;not null" json:"tabId"`
	StoreID       string          `gorm:"size:36;index:idx_payments_unsettled;not null" json:"storeId"`
	PayerAddress  string          `gorm:"size:64" json:"payerAddress"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"`
	TokenAddress  string          `gorm:"size:64" json:"tokenAddress"`
	Network       string          `gorm:"size:64" json:"network"`
	Scheme        PaymentScheme   `gorm:"size:16;not null" json:"scheme"`
	Status        PaymentStatus   `gorm:"size:16;index:idx_payments_unsettled;not null" json:"status"`
	TxHash        *string         `gorm:"size:128;uniqueIndex" json:"txHash,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	SettlementID  *string         `gorm:"size:36;index:idx_payments_unsettled" json:"settlementId,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	FailureReason string          `gorm:"size:255" json:"failureReason,omitempty"`

	Tab   *Tab   `gorm:"foreignKey:TabID" json:"tab,omitempty"`
	Store *Store `gorm:"foreignKey:StoreID" json:"store,omitempty"`
}

// Expired reports whether a header-style payment is past its expiry.
func (p *Payment) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// TxHashValue returns the transaction hash or "".
func (p *Payment) TxHashValue() string {
	if p.TxHash == nil {
		return ""
	}
	return *p.TxHash
}
