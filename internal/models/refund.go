package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundApproved  RefundStatus = "APPROVED"
	RefundRejected  RefundStatus = "REJECTED"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

// ActiveRefundStatuses block a new refund for the same payment.
var ActiveRefundStatuses = []RefundStatus{RefundPending, RefundApproved, RefundCompleted}

// Refund returns some or all of a completed payment to the customer.
type Refund struct {
	Base
	PaymentID       string          `gorm:"size:36;index;not null" json:"paymentId"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"`
	Reason          string          `gorm:"size:512" json:"reason"`
	RequestedBy     string          `gorm:"size:128" json:"requestedBy"`
	Status          RefundStatus    `gorm:"size:16;index;not null" json:"status"`
	RejectionReason string          `gorm:"size:512" json:"rejectionReason,omitempty"`
	ApprovedAt      *time.Time      `json:"approvedAt,omitempty"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	TxHash          string          `gorm:"size:128" json:"txHash,omitempty"`
	FailureReason   string          `gorm:"size:255" json:"failureReason,omitempty"`

	Payment *Payment `gorm:"foreignKey:PaymentID" json:"payment,omitempty"`
}
