// Package domain contains credit grants and their applications.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ReasonMidCycleChange = "mid_cycle_change"
	ReasonArrearRefund   = "arrear_refund"
	ReasonOverdueOffset  = "overdue_offset"
)

// CreditGrant is a pool of minor units applicable to future invoices of
// the same (customer, currency, paymentProvider).
type CreditGrant struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ProjectID       snowflake.ID `gorm:"not null;index"`
	CustomerID      snowflake.ID `gorm:"not null;index"`
	Currency        string       `gorm:"type:text;not null"`
	PaymentProvider string       `gorm:"type:text;not null"`
	TotalAmount     int64        `gorm:"not null"`
	AmountUsed      int64        `gorm:"not null;default:0"`
	ExpiresAt       *time.Time   `gorm:""`
	Active          bool         `gorm:"not null;default:true"`
	Reason          string       `gorm:"type:text;not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

// Available returns the amount still applicable at now.
func (g CreditGrant) Available(now time.Time) int64 {
	if !g.Active {
		return 0
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return 0
	}
	remaining := g.TotalAmount - g.AmountUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InvoiceCreditApplication records one immutable application of a credit
// grant to an invoice.
type InvoiceCreditApplication struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ProjectID     snowflake.ID `gorm:"not null;index"`
	InvoiceID     snowflake.ID `gorm:"not null;index"`
	CreditGrantID snowflake.ID `gorm:"not null;index"`
	AmountApplied int64        `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (InvoiceCreditApplication) TableName() string { return "invoice_credit_applications" }
