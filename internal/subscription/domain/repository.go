package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists subscriptions, phases and items. Finders return
// (nil, nil) when no row matches.
type Repository interface {
	FindSubscription(ctx context.Context, db *gorm.DB, projectID, subscriptionID snowflake.ID) (*Subscription, error)
	CreateSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	SaveSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// UpdateStatus persists only the status pair, in one short statement.
	UpdateStatus(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, status Status, active bool) error

	// ActivePhase returns the phase whose [StartAt, EndAt) contains now.
	ActivePhase(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, now time.Time) (*SubscriptionPhase, error)
	FindPhase(ctx context.Context, db *gorm.DB, phaseID snowflake.ID) (*SubscriptionPhase, error)
	CreatePhase(ctx context.Context, db *gorm.DB, phase *SubscriptionPhase, items []*SubscriptionItem) error
	SavePhase(ctx context.Context, db *gorm.DB, phase *SubscriptionPhase) error
	ClosePhase(ctx context.Context, db *gorm.DB, phaseID snowflake.ID, at time.Time) error
	// HasOverlappingPhase reports whether any phase of the subscription
	// intersects [startAt, endAt). A nil endAt means unbounded.
	HasOverlappingPhase(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, startAt time.Time, endAt *time.Time) (bool, error)

	// LoadPhaseContext joins the phase with its plan version, items, and
	// their feature configs.
	LoadPhaseContext(ctx context.Context, db *gorm.DB, phase SubscriptionPhase) (*PhaseContext, error)
}
