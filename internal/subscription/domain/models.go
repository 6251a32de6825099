// Package domain contains persistence models for subscriptions, their
// phases and items.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// Subscription is one customer's running agreement. active mirrors the
// status: true iff the status is non-terminal.
type Subscription struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	ProjectID           snowflake.ID      `gorm:"not null;index"`
	CustomerID          snowflake.ID      `gorm:"not null;index"`
	Status              Status            `gorm:"type:text;not null"`
	Active              bool              `gorm:"not null;default:true"`
	PlanSlug            string            `gorm:"type:text;not null"`
	CurrentCycleStartAt time.Time         `gorm:"not null"`
	CurrentCycleEndAt   time.Time         `gorm:"not null"`
	Timezone            string            `gorm:"type:text;not null;default:UTC"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionPhase is one plan attachment over a half-open time span.
// Phases of the same subscription never overlap.
type SubscriptionPhase struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	ProjectID           snowflake.ID `gorm:"not null;index"`
	SubscriptionID      snowflake.ID `gorm:"not null;index"`
	PlanVersionID       snowflake.ID `gorm:"not null;index"`
	PaymentMethodID     *string      `gorm:"type:text"`
	TrialEndsAt         *time.Time   `gorm:""`
	StartAt             time.Time    `gorm:"not null"`
	EndAt               *time.Time   `gorm:""`
	CurrentCycleStartAt time.Time    `gorm:"not null"`
	CurrentCycleEndAt   time.Time    `gorm:"not null"`
	RenewAt             *time.Time   `gorm:"index"`
	BillingAnchor       int          `gorm:"not null"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SubscriptionPhase) TableName() string { return "subscription_phases" }

// ActiveAt reports whether now falls inside [StartAt, EndAt).
func (p SubscriptionPhase) ActiveAt(now time.Time) bool {
	if now.Before(p.StartAt) {
		return false
	}
	return p.EndAt == nil || now.Before(*p.EndAt)
}

// SubscriptionItem binds a feature plan version to a phase.
// Units nil means usage-based.
type SubscriptionItem struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	ProjectID            snowflake.ID `gorm:"not null;index"`
	SubscriptionID       snowflake.ID `gorm:"not null;index"`
	SubscriptionPhaseID  snowflake.ID `gorm:"not null;index"`
	FeaturePlanVersionID snowflake.ID `gorm:"not null;index"`
	Units                *int64       `gorm:""`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SubscriptionItem) TableName() string { return "subscription_items" }

// PhaseContext is a phase joined with its plan version and items, the
// working set every machine invoke operates on.
type PhaseContext struct {
	Phase SubscriptionPhase
	Plan  plandomain.PlanVersion
	Items []ItemContext
}

// ItemContext is an item joined with its feature plan version.
type ItemContext struct {
	Item    SubscriptionItem
	Feature plandomain.FeaturePlanVersion
}
