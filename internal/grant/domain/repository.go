package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository accesses the append-only grant log joined with the plan
// config each grant was issued against.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, grants []*Grant) error
	MarkDeleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	// ListActiveForFeature returns the grants active at now for one
	// feature of one customer, including project-wide grants.
	ListActiveForFeature(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, featureSlug string, now time.Time) ([]ActiveGrant, error)
	// ListActiveForCustomer returns all active grants for the customer,
	// across features.
	ListActiveForCustomer(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, now time.Time) ([]ActiveGrant, error)
}
