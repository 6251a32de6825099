package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists invoices and their items. Draft and item inserts
// swallow conflicts on their uniqueness indexes so assembly can re-run.
type Repository interface {
	InsertDraft(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByStatementKey(ctx context.Context, db *gorm.DB, projectID, subscriptionID, customerID snowflake.ID, statementKey string) (*Invoice, error)
	Find(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*Invoice, error)
	Save(ctx context.Context, db *gorm.DB, invoice *Invoice) error

	// FindLastPaid returns the most recently paid invoice of a phase.
	FindLastPaid(ctx context.Context, db *gorm.DB, subscriptionID, phaseID snowflake.ID) (*Invoice, error)

	InsertItem(ctx context.Context, db *gorm.DB, item *InvoiceItem) (bool, error)
	ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
	// UpdateItemAmounts persists quantity and amounts for all items in
	// one statement.
	UpdateItemAmounts(ctx context.Context, db *gorm.DB, items []InvoiceItem) error
	SetItemProviderID(ctx context.Context, db *gorm.DB, itemID snowflake.ID, providerID string) error

	// ListFinalizable selects invoices ready for finalization: drafts
	// whose dueAt has arrived, plus unpaid ones never pushed to a
	// provider.
	ListFinalizable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error)
	// ListCollectible selects invoices awaiting payment: unpaid with a
	// provider id, and waiting ones to poll. Invoices flagged with a
	// provider total mismatch are excluded until an operator clears them.
	ListCollectible(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error)
}
