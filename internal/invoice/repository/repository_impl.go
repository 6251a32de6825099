package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertDraft(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(invoice)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByStatementKey(ctx context.Context, db *gorm.DB, projectID, subscriptionID, customerID snowflake.ID, statementKey string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Where("project_id = ? AND subscription_id = ? AND customer_id = ? AND statement_key = ?",
			projectID, subscriptionID, customerID, statementKey).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Where("id = ?", invoiceID).First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindLastPaid(ctx context.Context, db *gorm.DB, subscriptionID, phaseID snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND subscription_phase_id = ? AND status = ?",
			subscriptionID, phaseID, domain.StatusPaid).
		Order("paid_at desc, id desc").
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Save(invoice).Error
}

func (r *repo) InsertItem(ctx context.Context, db *gorm.DB, item *domain.InvoiceItem) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.InvoiceItem, error) {
	var items []domain.InvoiceItem
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateItemAmounts writes quantity, amounts, and overage flags for all
// items in one CASE-per-id statement.
func (r *repo) UpdateItemAmounts(ctx context.Context, db *gorm.DB, items []domain.InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}

	var (
		quantity strings.Builder
		unit     strings.Builder
		subtotal strings.Builder
		total    strings.Builder
		overage  strings.Builder
		args     []any
		ids      []snowflake.ID
	)
	caseArgs := func(b *strings.Builder, id snowflake.ID, value any) []any {
		b.WriteString(" WHEN ? THEN ?")
		return []any{id, value}
	}

	for _, item := range items {
		ids = append(ids, item.ID)
		args = append(args, caseArgs(&quantity, item.ID, item.Quantity)...)
	}
	for _, item := range items {
		var unitValue any
		if item.UnitAmountCents != nil {
			unitValue = *item.UnitAmountCents
		}
		args = append(args, caseArgs(&unit, item.ID, unitValue)...)
	}
	for _, item := range items {
		args = append(args, caseArgs(&subtotal, item.ID, item.AmountSubtotal)...)
	}
	for _, item := range items {
		args = append(args, caseArgs(&total, item.ID, item.AmountTotal)...)
	}
	for _, item := range items {
		args = append(args, caseArgs(&overage, item.ID, item.IsOverage)...)
	}

	sql := fmt.Sprintf(`UPDATE invoice_items SET
		quantity = CASE id%s END,
		unit_amount_cents = CASE id%s END,
		amount_subtotal = CASE id%s END,
		amount_total = CASE id%s END,
		is_overage = CASE id%s END,
		updated_at = ?
		WHERE id IN ?`,
		quantity.String(), unit.String(), subtotal.String(), total.String(), overage.String(),
	)
	args = append(args, time.Now().UTC(), ids)

	return db.WithContext(ctx).Exec(sql, args...).Error
}

func (r *repo) SetItemProviderID(ctx context.Context, db *gorm.DB, itemID snowflake.ID, providerID string) error {
	return db.WithContext(ctx).
		Model(&domain.InvoiceItem{}).
		Where("id = ?", itemID).
		Update("item_provider_id", providerID).Error
}

func (r *repo) ListFinalizable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("(status = ? AND due_at <= ?) OR (status = ? AND invoice_payment_provider_id IS NULL)",
			domain.StatusDraft, now, domain.StatusUnpaid).
		Order("due_at asc, id asc").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ListCollectible(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("(status = ? AND invoice_payment_provider_id IS NOT NULL AND due_at <= ?) OR status = ?",
			domain.StatusUnpaid, now, domain.StatusWaiting).
		Where("failure_reason IS NULL OR failure_reason <> ?", domain.FailureReasonProviderMismatch).
		Order("due_at asc, id asc").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
