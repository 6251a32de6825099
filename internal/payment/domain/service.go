package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
)

// Outcome is what one collection pass did to an invoice. The machine
// maps Paid/Failed onto its payment events.
type Outcome string

const (
	// OutcomeNone means the invoice was not actionable (terminal, void at
	// the provider, or not in a collectible status).
	OutcomeNone    Outcome = "none"
	OutcomePaid    Outcome = "paid"
	OutcomeFailed  Outcome = "failed"
	OutcomeWaiting Outcome = "waiting"
	// OutcomeExpired means the invoice hit the attempt cap or its past-due
	// deadline and moved to failed.
	OutcomeExpired Outcome = "expired"
)

// Service drives unpaid and waiting invoices toward a terminal state.
type Service interface {
	CollectInvoice(ctx context.Context, invoiceID snowflake.ID, now time.Time) (*invoicedomain.Invoice, Outcome, error)
}
