package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists billing periods. Insert swallows conflicts on the
// period uniqueness index, which is what makes materialization
// idempotent; it reports whether a row was actually created.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, period *BillingPeriod) (bool, error)
	// ListPendingDue returns pending periods of one subscription whose
	// invoiceAt has passed, oldest first.
	ListPendingDue(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, now time.Time) ([]BillingPeriod, error)
	// CountPendingDue backs the HasDueBillingPeriods machine guard.
	CountPendingDue(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, now time.Time) (int64, error)
	// MarkInvoiced flips the given periods to invoiced and stamps the
	// invoice id.
	MarkInvoiced(ctx context.Context, db *gorm.DB, periodIDs []snowflake.ID, invoiceID snowflake.ID) error
}
