package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads the published plan catalog. Finders return (nil, nil)
// when no row matches.
type Repository interface {
	// FindVersion returns one published revision of a plan, the latest
	// when version is zero.
	FindVersion(ctx context.Context, db *gorm.DB, projectID snowflake.ID, planSlug string, version int) (*PlanVersion, error)
	ListFeatures(ctx context.Context, db *gorm.DB, planVersionID snowflake.ID) ([]FeaturePlanVersion, error)
}
