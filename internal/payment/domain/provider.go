// Package domain defines the payment provider contract. Concrete
// gateways live outside this repo; the engine only drives this interface.
package domain

import (
	"context"
	"time"
)

// ProviderInvoice mirrors the remote invoice the provider holds.
type ProviderInvoice struct {
	ID         string
	URL        string
	TotalCents int64
	Currency   string
	Status     ProviderInvoiceStatus
	PaidAt     *time.Time
}

type ProviderInvoiceStatus string

const (
	ProviderInvoiceOpen  ProviderInvoiceStatus = "open"
	ProviderInvoicePaid  ProviderInvoiceStatus = "paid"
	ProviderInvoiceVoid  ProviderInvoiceStatus = "void"
	ProviderInvoiceDraft ProviderInvoiceStatus = "draft"
)

// CreateInvoiceRequest opens a draft invoice at the provider.
type CreateInvoiceRequest struct {
	CustomerRef string
	Currency    string
	DueAt       time.Time
	Metadata    map[string]string
}

// InvoiceLineRequest upserts one provider line item. SubscriptionItemRef
// is the stable metadata key the upsert matches on.
type InvoiceLineRequest struct {
	ProviderInvoiceID   string
	SubscriptionItemRef string
	Description         string
	Quantity            float64
	AmountCents         int64
	Metadata            map[string]string
}

// CollectResult is the outcome of one charge attempt.
type CollectResult struct {
	Success bool
	Message string
	PaidAt  *time.Time
}

// Provider is the remote payment gateway surface.
type Provider interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*ProviderInvoice, error)
	UpdateInvoice(ctx context.Context, providerInvoiceID string, req CreateInvoiceRequest) (*ProviderInvoice, error)
	GetInvoice(ctx context.Context, providerInvoiceID string) (*ProviderInvoice, error)
	FinalizeInvoice(ctx context.Context, providerInvoiceID string) (*ProviderInvoice, error)
	AddInvoiceItem(ctx context.Context, line InvoiceLineRequest) (string, error)
	UpdateInvoiceItem(ctx context.Context, itemProviderID string, line InvoiceLineRequest) error
	CollectPayment(ctx context.Context, providerInvoiceID string, paymentMethodID string) (*CollectResult, error)
	SendInvoice(ctx context.Context, providerInvoiceID string) error
	GetStatusInvoice(ctx context.Context, providerInvoiceID string) (ProviderInvoiceStatus, error)
	FormatAmount(amountCents int64, currency string) string
}

// Registry resolves a provider by its configured name.
type Registry interface {
	Provider(name string) (Provider, error)
}
