package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreateRequest opens a subscription on a published plan. A zero StartAt
// means now; a zero PlanVersion means the latest published revision.
// Units maps feature slugs to committed quantities for fixed items.
type CreateRequest struct {
	ProjectID       snowflake.ID
	CustomerID      snowflake.ID
	PlanSlug        string
	PlanVersion     int
	PaymentMethodID *string
	StartAt         time.Time
	Units           map[string]int64
	Timezone        string
}

// ChangeRequest swaps the active phase onto another published plan at
// Now. The outgoing cycle is settled first.
type ChangeRequest struct {
	ProjectID       snowflake.ID
	SubscriptionID  snowflake.ID
	PlanSlug        string
	PlanVersion     int
	PaymentMethodID *string
	Units           map[string]int64
	Now             time.Time
}

// Service drives subscription lifecycle operations. Mutations that run
// through the state machine take the subscription's lease first.
type Service interface {
	CreateSubscription(ctx context.Context, req CreateRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, projectID, subscriptionID snowflake.ID, now time.Time) (*Subscription, error)
	ChangePlan(ctx context.Context, req ChangeRequest) (*Subscription, error)
}
