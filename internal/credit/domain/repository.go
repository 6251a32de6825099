package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists credit grants and their applications.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, grant *CreditGrant) error
	// ListApplicable returns active, unexpired grants for the customer in
	// FIFO order: earliest expiry first, unexpiring grants last.
	ListApplicable(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, currency, paymentProvider string, now time.Time) ([]CreditGrant, error)
	// Apply records one application: the grant's used amount grows, the
	// grant deactivates when exhausted, and the application row is
	// inserted, all in one transaction.
	Apply(ctx context.Context, db *gorm.DB, grant *CreditGrant, application *InvoiceCreditApplication) error
}
