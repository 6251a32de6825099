package domain

import (
	"context"
	"time"

	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
)

// GenerateResult reports one materializer pass. HasDueBillingPeriods is
// always set, even when nothing new was created; the machine's
// invoicing guard reads it.
type GenerateResult struct {
	Created              int
	HasDueBillingPeriods bool
}

// MidCycleSplitRequest closes out the current cycle of an outgoing
// phase at Now. PaidAmountCents is what the customer already paid for
// the full cycle, zero when nothing was prepaid.
type MidCycleSplitRequest struct {
	Sub             *subdomain.Subscription
	Customer        *customerdomain.Customer
	Outgoing        *subdomain.PhaseContext
	PaidAmountCents int64
	Now             time.Time
}

// Service materializes billing periods ahead of invoicing.
type Service interface {
	GenerateBillingPeriods(ctx context.Context, sub *subdomain.Subscription, customer *customerdomain.Customer, phase *subdomain.PhaseContext, now time.Time) (GenerateResult, error)
	// MidCycleSplit settles the outgoing phase of a mid-cycle plan
	// change: arrear phases get a mid_cycle_change period for the
	// consumed span, advance phases get a credit for the unused span.
	MidCycleSplit(ctx context.Context, req MidCycleSplitRequest) (*creditdomain.CreditGrant, error)
}
