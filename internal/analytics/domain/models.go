// Package domain contains the usage analytics contract: raw event rows,
// the cursor-based reconciliation feed, and windowed aggregation.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventStatus string

const (
	// EventStatusAccepted marks raw events awaiting enrichment.
	EventStatusAccepted EventStatus = "accepted"
	// EventStatusEnriched marks events attributed to a subscription item
	// and visible to aggregation.
	EventStatusEnriched EventStatus = "enriched"
)

// UsageEvent is one metered activity record. Snowflake IDs are time
// ordered, which is what makes `id > lastReconciledId` a valid cursor.
type UsageEvent struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	ProjectID          snowflake.ID      `gorm:"not null;index"`
	CustomerID         snowflake.ID      `gorm:"not null;index"`
	SubscriptionID     *snowflake.ID     `gorm:""`
	SubscriptionItemID *snowflake.ID     `gorm:"index"`
	EntitlementID      *snowflake.ID     `gorm:"index"`
	FeatureSlug        string            `gorm:"type:text;not null"`
	Value              float64           `gorm:"not null"`
	RecordedAt         time.Time         `gorm:"not null;index"`
	Status             EventStatus       `gorm:"type:text;not null;default:accepted"`
	IdempotencyKey     *string           `gorm:"type:text;uniqueIndex:usage_events_idem_unique,where:idempotency_key is not null"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageRow is the query shape returned to callers of GetUsage.
type UsageRow struct {
	EntitlementID snowflake.ID `json:"entitlementId"`
	CustomerID    snowflake.ID `json:"customerId"`
	FeatureSlug   string       `json:"featureSlug"`
	Value         float64      `json:"value"`
	RecordedAt    time.Time    `json:"recordedAt"`
}

// UsageFilter narrows ListUsage.
type UsageFilter struct {
	ProjectID     snowflake.ID
	CustomerID    *snowflake.ID
	FeatureSlug   string
	EntitlementID *snowflake.ID
	Start         *time.Time
	End           *time.Time
	Limit         int
}

// EventPage is one keyset page of raw usage events, newest first.
type EventPage struct {
	Events   []*UsageEvent
	PageInfo *pagination.PageInfo
}

// CursorAggregate is the delta since a reconciliation cursor.
type CursorAggregate struct {
	Value  float64
	LastID snowflake.ID
	Count  int64
}

// Store is the analytics contract the billing engine depends on.
// Ingestion is best-effort and unordered; aggregation is read-only.
type Store interface {
	Ingest(ctx context.Context, db *gorm.DB, events []*UsageEvent) error
	AggregateSince(ctx context.Context, db *gorm.DB, entitlementID, sinceID snowflake.ID, method plandomain.AggregationMethod) (CursorAggregate, error)
	AggregateWindow(ctx context.Context, db *gorm.DB, subscriptionItemID snowflake.ID, start, end time.Time, method plandomain.AggregationMethod) (float64, error)
	ListUsage(ctx context.Context, db *gorm.DB, filter UsageFilter) ([]UsageRow, error)
	ListEvents(ctx context.Context, db *gorm.DB, filter UsageFilter, page pagination.Pagination) (*EventPage, error)
}
