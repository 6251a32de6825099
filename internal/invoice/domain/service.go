package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
)

// AssembleRequest groups the pending due billing periods of one
// subscription into draft invoices.
type AssembleRequest struct {
	Sub      *subdomain.Subscription
	Customer *customerdomain.Customer
	Phase    *subdomain.PhaseContext
	Now      time.Time
}

// Service assembles and finalizes invoices. Assembly is idempotent on
// the statement uniqueness index; finalization prices items, applies
// credits, and pushes the result to the payment provider.
type Service interface {
	AssembleInvoices(ctx context.Context, req AssembleRequest) ([]Invoice, error)
	FinalizeInvoice(ctx context.Context, invoiceID snowflake.ID, now time.Time) (*Invoice, error)
}
