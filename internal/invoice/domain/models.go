// Package domain contains invoice and invoice item rows.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusUnpaid  Status = "unpaid"
	StatusWaiting Status = "waiting"
	StatusPaid    Status = "paid"
	StatusVoid    Status = "void"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the invoice can no longer move.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusVoid || s == StatusFailed
}

// MaxPaymentAttempts caps attempts before the invoice fails.
const MaxPaymentAttempts = 10

const (
	// FailureReasonPendingExpiration marks invoices failed at the attempt
	// cap or past due.
	FailureReasonPendingExpiration = "pending_expiration"
	// FailureReasonProviderMismatch marks invoices whose provider total
	// disagreed with the internal total after finalize. Operator action
	// required; the invoice stays unpaid.
	FailureReasonProviderMismatch = "provider_mismatch"
)

// PaymentAttempt is one recorded collection attempt, stored as JSON on
// the invoice.
type PaymentAttempt struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
}

// Invoice groups the billing periods of one statement key.
type Invoice struct {
	ID                       snowflake.ID                          `gorm:"primaryKey"`
	ProjectID                snowflake.ID                          `gorm:"not null;uniqueIndex:invoices_statement_unique,priority:1"`
	SubscriptionID           snowflake.ID                          `gorm:"not null;uniqueIndex:invoices_statement_unique,priority:2;index"`
	SubscriptionPhaseID      snowflake.ID                          `gorm:"not null"`
	CustomerID               snowflake.ID                          `gorm:"not null;uniqueIndex:invoices_statement_unique,priority:3;index"`
	Status                   Status                                `gorm:"type:text;not null;default:draft;index"`
	StatementKey             string                                `gorm:"type:varchar(64);not null;uniqueIndex:invoices_statement_unique,priority:4"`
	StatementStartAt         time.Time                             `gorm:"not null"`
	StatementEndAt           time.Time                             `gorm:"not null"`
	CycleStartAt             time.Time                             `gorm:"not null"`
	CycleEndAt               time.Time                             `gorm:"not null"`
	IssueDate                *time.Time                            `gorm:""`
	DueAt                    time.Time                             `gorm:"not null;index"`
	PastDueAt                time.Time                             `gorm:"not null"`
	PaidAt                   *time.Time                            `gorm:""`
	Subtotal                 int64                                 `gorm:"not null;default:0"`
	Total                    int64                                 `gorm:"not null;default:0"`
	AmountCreditUsed         int64                                 `gorm:"not null;default:0"`
	PaymentMethodID          *string                               `gorm:"type:text"`
	PaymentProvider          string                                `gorm:"type:text;not null"`
	Currency                 string                                `gorm:"type:text;not null"`
	WhenToBill               plandomain.WhenToBill                 `gorm:"type:text;not null"`
	CollectionMethod         plandomain.CollectionMethod           `gorm:"type:text;not null"`
	InvoicePaymentProviderID *string                               `gorm:"type:text"`
	InvoiceProviderURL       *string                               `gorm:"type:text"`
	FailureReason            *string                               `gorm:"type:text"`
	PaymentAttempts          datatypes.JSONType[[]PaymentAttempt]  `gorm:"type:jsonb"`
	SentAt                   *time.Time                            `gorm:""`
	CreatedAt                time.Time                             `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time                             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

// AttemptCount returns the recorded payment attempt count.
func (i Invoice) AttemptCount() int {
	return len(i.PaymentAttempts.Data())
}

type ItemKind string

const (
	ItemKindPeriod        ItemKind = "period"
	ItemKindTrial         ItemKind = "trial"
	ItemKindAdjustment    ItemKind = "adjustment"
	ItemKindCreditApplied ItemKind = "credit_applied"
)

// InvoiceItem is one line of an invoice. Lines backed by a billing period
// are unique per (project, invoice, billingPeriod).
type InvoiceItem struct {
	ID                   snowflake.ID  `gorm:"primaryKey"`
	ProjectID            snowflake.ID  `gorm:"not null;uniqueIndex:invoice_items_cycle_unique,priority:1,where:billing_period_id is not null"`
	InvoiceID            snowflake.ID  `gorm:"not null;uniqueIndex:invoice_items_cycle_unique,priority:2,where:billing_period_id is not null;index"`
	BillingPeriodID      *snowflake.ID `gorm:"uniqueIndex:invoice_items_cycle_unique,priority:3,where:billing_period_id is not null"`
	SubscriptionItemID   *snowflake.ID `gorm:"index"`
	FeaturePlanVersionID *snowflake.ID `gorm:""`
	Kind                 ItemKind      `gorm:"type:text;not null;default:period"`
	Quantity             float64       `gorm:"not null;default:0"`
	UnitAmountCents      *int64        `gorm:""`
	AmountSubtotal       int64         `gorm:"not null;default:0"`
	AmountTotal          int64         `gorm:"not null;default:0"`
	CycleStartAt         time.Time     `gorm:"not null"`
	CycleEndAt           time.Time     `gorm:"not null"`
	ProrationFactor      *float64      `gorm:""`
	IsOverage            bool          `gorm:"not null;default:false"`
	Description          string        `gorm:"type:text"`
	ItemProviderID       *string       `gorm:"type:text"`
	CreatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (InvoiceItem) TableName() string { return "invoice_items" }
