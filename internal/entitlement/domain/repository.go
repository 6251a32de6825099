package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists entitlement state. FindByCustomerFeature returns
// (nil, nil) when no entitlement exists yet.
type Repository interface {
	FindByCustomerFeature(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, featureSlug string) (*Entitlement, error)
	ListByCustomer(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID) ([]Entitlement, error)
	Create(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
	Save(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
}
