// Package domain contains billing period rows, the materialized spans of
// service that invoices are assembled from.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusInvoiced Status = "invoiced"
	StatusVoid     Status = "void"
)

type Type string

const (
	TypeNormal         Type = "normal"
	TypeMidCycleChange Type = "mid_cycle_change"
	TypeTrial          Type = "trial"
)

// BillingPeriod is one cycle of service for one subscription item.
// Uniqueness on (project, sub, phase, item, cycleStartAt, cycleEndAt)
// makes materialization idempotent.
type BillingPeriod struct {
	ID                   snowflake.ID                `gorm:"primaryKey"`
	ProjectID            snowflake.ID                `gorm:"not null;uniqueIndex:billing_periods_period_unique,priority:1"`
	SubscriptionID       snowflake.ID                `gorm:"not null;uniqueIndex:billing_periods_period_unique,priority:2;index"`
	SubscriptionPhaseID  snowflake.ID                `gorm:"not null;uniqueIndex:billing_periods_period_unique,priority:3"`
	SubscriptionItemID   snowflake.ID                `gorm:"not null;uniqueIndex:billing_periods_period_unique,priority:4"`
	GrantID              *snowflake.ID               `gorm:""`
	CycleStartAt         time.Time                   `gorm:"not null;uniqueIndex:billing_periods_period_unique,priority:5"`
	CycleEndAt           time.Time                   `gorm:"not null;uniqueIndex:billing_periods_period_unique,priority:6"`
	Status               Status                      `gorm:"type:text;not null;default:pending;index"`
	Type                 Type                        `gorm:"type:text;not null;default:normal"`
	InvoiceID            *snowflake.ID               `gorm:"index"`
	WhenToBill           plandomain.WhenToBill       `gorm:"type:text;not null"`
	InvoiceAt            time.Time                   `gorm:"not null;index"`
	StatementKey         string                      `gorm:"type:varchar(64);not null;index"`
	AmountEstimateCents  *int64                      `gorm:""`
	CreatedAt            time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingPeriod) TableName() string { return "billing_periods" }

// StatementKey identifies all periods that must land on one invoice.
// The field order is part of the storage contract: changing it would
// orphan every pending period.
func StatementKey(
	projectID, customerID, subscriptionID snowflake.ID,
	invoiceAt time.Time,
	currency string,
	paymentProvider string,
	collectionMethod plandomain.CollectionMethod,
) string {
	joined := fmt.Sprintf("%d|%d|%d|%d|%s|%s|%s",
		projectID,
		customerID,
		subscriptionID,
		invoiceAt.UTC().UnixMilli(),
		currency,
		paymentProvider,
		collectionMethod,
	)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
