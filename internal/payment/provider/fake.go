// Package provider hosts the in-memory payment gateway used in
// development and tests. Real gateways register under their own names.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/meterbill/internal/payment/domain"
)

const FakeProviderName = "fake"

type registry struct {
	providers map[string]domain.Provider
}

// NewRegistry builds a registry preloaded with the fake gateway.
func NewRegistry() domain.Registry {
	return &registry{
		providers: map[string]domain.Provider{
			FakeProviderName: NewFake(),
		},
	}
}

func (r *registry) Provider(name string) (domain.Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
	return p, nil
}

type fakeInvoice struct {
	invoice domain.ProviderInvoice
	lines   map[string]*fakeLine // by subscription item ref
}

type fakeLine struct {
	id     string
	amount int64
}

// Fake is a deterministic in-memory gateway. Collections succeed unless
// FailCollect is set; totals track the sum of upserted lines.
type Fake struct {
	mu       sync.Mutex
	seq      int
	invoices map[string]*fakeInvoice

	FailCollect    bool
	CollectMessage string
	// TotalOverride forces GetInvoice/FinalizeInvoice to report this
	// total, regardless of the line sum.
	TotalOverride *int64
}

func NewFake() *Fake {
	return &Fake{invoices: map[string]*fakeInvoice{}}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%06d", prefix, f.seq)
}

func (f *Fake) CreateInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (*domain.ProviderInvoice, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID("inv")
	inv := &fakeInvoice{
		invoice: domain.ProviderInvoice{
			ID:       id,
			URL:      "https://pay.example.com/" + id,
			Currency: req.Currency,
			Status:   domain.ProviderInvoiceDraft,
		},
		lines: map[string]*fakeLine{},
	}
	f.invoices[id] = inv
	out := inv.invoice
	return &out, nil
}

func (f *Fake) UpdateInvoice(ctx context.Context, providerInvoiceID string, req domain.CreateInvoiceRequest) (*domain.ProviderInvoice, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[providerInvoiceID]
	if !ok {
		return nil, fmt.Errorf("fake provider: invoice %s not found", providerInvoiceID)
	}
	inv.invoice.Currency = req.Currency
	out := inv.invoice
	return &out, nil
}

func (f *Fake) GetInvoice(ctx context.Context, providerInvoiceID string) (*domain.ProviderInvoice, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[providerInvoiceID]
	if !ok {
		return nil, fmt.Errorf("fake provider: invoice %s not found", providerInvoiceID)
	}
	out := inv.invoice
	out.TotalCents = f.totalLocked(inv)
	return &out, nil
}

func (f *Fake) FinalizeInvoice(ctx context.Context, providerInvoiceID string) (*domain.ProviderInvoice, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[providerInvoiceID]
	if !ok {
		return nil, fmt.Errorf("fake provider: invoice %s not found", providerInvoiceID)
	}
	inv.invoice.Status = domain.ProviderInvoiceOpen
	out := inv.invoice
	out.TotalCents = f.totalLocked(inv)
	return &out, nil
}

func (f *Fake) AddInvoiceItem(ctx context.Context, line domain.InvoiceLineRequest) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[line.ProviderInvoiceID]
	if !ok {
		return "", fmt.Errorf("fake provider: invoice %s not found", line.ProviderInvoiceID)
	}
	if existing, ok := inv.lines[line.SubscriptionItemRef]; ok {
		existing.amount = line.AmountCents
		return existing.id, nil
	}
	id := f.nextID("il")
	inv.lines[line.SubscriptionItemRef] = &fakeLine{id: id, amount: line.AmountCents}
	return id, nil
}

func (f *Fake) UpdateInvoiceItem(ctx context.Context, itemProviderID string, line domain.InvoiceLineRequest) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[line.ProviderInvoiceID]
	if !ok {
		return fmt.Errorf("fake provider: invoice %s not found", line.ProviderInvoiceID)
	}
	for _, l := range inv.lines {
		if l.id == itemProviderID {
			l.amount = line.AmountCents
			return nil
		}
	}
	return fmt.Errorf("fake provider: item %s not found", itemProviderID)
}

func (f *Fake) CollectPayment(ctx context.Context, providerInvoiceID string, paymentMethodID string) (*domain.CollectResult, error) {
	_ = ctx
	_ = paymentMethodID
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[providerInvoiceID]
	if !ok {
		return nil, fmt.Errorf("fake provider: invoice %s not found", providerInvoiceID)
	}
	if f.FailCollect {
		message := f.CollectMessage
		if message == "" {
			message = "card_declined"
		}
		return &domain.CollectResult{Success: false, Message: message}, nil
	}
	now := time.Now().UTC()
	inv.invoice.Status = domain.ProviderInvoicePaid
	inv.invoice.PaidAt = &now
	return &domain.CollectResult{Success: true, PaidAt: &now}, nil
}

func (f *Fake) SendInvoice(ctx context.Context, providerInvoiceID string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.invoices[providerInvoiceID]; !ok {
		return fmt.Errorf("fake provider: invoice %s not found", providerInvoiceID)
	}
	return nil
}

func (f *Fake) GetStatusInvoice(ctx context.Context, providerInvoiceID string) (domain.ProviderInvoiceStatus, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[providerInvoiceID]
	if !ok {
		return "", fmt.Errorf("fake provider: invoice %s not found", providerInvoiceID)
	}
	return inv.invoice.Status, nil
}

func (f *Fake) FormatAmount(amountCents int64, currency string) string {
	return fmt.Sprintf("%s %d.%02d", strings.ToUpper(currency), amountCents/100, amountCents%100)
}

// MarkPaid flips a remote invoice to paid, simulating an async webhook.
func (f *Fake) MarkPaid(providerInvoiceID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.invoices[providerInvoiceID]; ok {
		inv.invoice.Status = domain.ProviderInvoicePaid
		inv.invoice.PaidAt = &at
	}
}

func (f *Fake) totalLocked(inv *fakeInvoice) int64 {
	if f.TotalOverride != nil {
		return *f.TotalOverride
	}
	var total int64
	for _, l := range inv.lines {
		total += l.amount
	}
	return total
}

var _ domain.Provider = (*Fake)(nil)
