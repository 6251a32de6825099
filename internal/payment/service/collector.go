// Package service implements the payment collector.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/config"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/payment/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Invoices invoicedomain.Repository
	Registry domain.Registry
	Billing  *config.BillingConfigHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	invoices invoicedomain.Repository
	registry domain.Registry
	billing  *config.BillingConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		invoices: p.Invoices,
		registry: p.Registry,
		billing:  p.Billing,
	}
}

// CollectInvoice advances one invoice: charge it, send it, or poll it,
// depending on collection method and status. Expiration is checked
// before any provider call so a dead invoice never burns an attempt.
func (s *Service) CollectInvoice(ctx context.Context, invoiceID snowflake.ID, now time.Time) (*invoicedomain.Invoice, domain.Outcome, error) {
	invoice, err := s.invoices.Find(ctx, s.db, invoiceID)
	if err != nil {
		return nil, domain.OutcomeNone, err
	}
	if invoice == nil {
		return nil, domain.OutcomeNone, fmt.Errorf("invoice %d not found", invoiceID)
	}
	if invoice.Status != invoicedomain.StatusUnpaid && invoice.Status != invoicedomain.StatusWaiting {
		return invoice, domain.OutcomeNone, nil
	}

	billing := s.billing.Get()
	if invoice.AttemptCount() >= billing.MaxPaymentAttempts || invoice.PastDueAt.Before(now) {
		reason := invoicedomain.FailureReasonPendingExpiration
		invoice.Status = invoicedomain.StatusFailed
		invoice.FailureReason = &reason
		if err := s.invoices.Save(ctx, s.db, invoice); err != nil {
			return nil, domain.OutcomeNone, err
		}
		s.log.Warn("invoice expired unpaid",
			zap.Int64("invoice_id", invoice.ID.Int64()),
			zap.Int("attempts", invoice.AttemptCount()),
			zap.Time("past_due_at", invoice.PastDueAt),
		)
		return invoice, domain.OutcomeExpired, nil
	}

	if invoice.InvoicePaymentProviderID == nil {
		return invoice, domain.OutcomeNone, fmt.Errorf("invoice %d is collectible but has no provider invoice", invoiceID)
	}
	provider, err := s.registry.Provider(invoice.PaymentProvider)
	if err != nil {
		return invoice, domain.OutcomeNone, err
	}

	if invoice.Status == invoicedomain.StatusWaiting {
		return s.pollWaiting(ctx, provider, invoice, now)
	}
	if invoice.CollectionMethod == plandomain.ChargeAutomatically {
		return s.charge(ctx, provider, invoice, now)
	}
	return s.send(ctx, provider, invoice, now)
}

func (s *Service) charge(ctx context.Context, provider domain.Provider, invoice *invoicedomain.Invoice, now time.Time) (*invoicedomain.Invoice, domain.Outcome, error) {
	if invoice.PaymentMethodID == nil {
		s.appendAttempt(invoice, now, false, "missing_payment_method")
		if err := s.invoices.Save(ctx, s.db, invoice); err != nil {
			return nil, domain.OutcomeNone, err
		}
		return invoice, domain.OutcomeFailed, nil
	}

	result, err := provider.CollectPayment(ctx, *invoice.InvoicePaymentProviderID, *invoice.PaymentMethodID)
	if err != nil {
		return invoice, domain.OutcomeNone, err
	}

	s.appendAttempt(invoice, now, result.Success, result.Message)
	outcome := domain.OutcomeFailed
	if result.Success {
		paidAt := now
		if result.PaidAt != nil {
			paidAt = *result.PaidAt
		}
		invoice.Status = invoicedomain.StatusPaid
		invoice.PaidAt = &paidAt
		outcome = domain.OutcomePaid
	}
	if err := s.invoices.Save(ctx, s.db, invoice); err != nil {
		return nil, domain.OutcomeNone, err
	}

	s.log.Info("payment attempt recorded",
		zap.Int64("invoice_id", invoice.ID.Int64()),
		zap.Bool("success", result.Success),
		zap.Int("attempts", invoice.AttemptCount()),
	)
	return invoice, outcome, nil
}

func (s *Service) send(ctx context.Context, provider domain.Provider, invoice *invoicedomain.Invoice, now time.Time) (*invoicedomain.Invoice, domain.Outcome, error) {
	if err := provider.SendInvoice(ctx, *invoice.InvoicePaymentProviderID); err != nil {
		return invoice, domain.OutcomeNone, err
	}
	sent := now
	invoice.Status = invoicedomain.StatusWaiting
	invoice.SentAt = &sent
	if err := s.invoices.Save(ctx, s.db, invoice); err != nil {
		return nil, domain.OutcomeNone, err
	}
	s.log.Info("invoice sent to customer", zap.Int64("invoice_id", invoice.ID.Int64()))
	return invoice, domain.OutcomeWaiting, nil
}

// pollWaiting propagates paid and void reported by the provider while a
// sent invoice waits on the customer.
func (s *Service) pollWaiting(ctx context.Context, provider domain.Provider, invoice *invoicedomain.Invoice, now time.Time) (*invoicedomain.Invoice, domain.Outcome, error) {
	status, err := provider.GetStatusInvoice(ctx, *invoice.InvoicePaymentProviderID)
	if err != nil {
		return invoice, domain.OutcomeNone, err
	}

	switch status {
	case domain.ProviderInvoicePaid:
		paidAt := now
		invoice.Status = invoicedomain.StatusPaid
		invoice.PaidAt = &paidAt
		if err := s.invoices.Save(ctx, s.db, invoice); err != nil {
			return nil, domain.OutcomeNone, err
		}
		return invoice, domain.OutcomePaid, nil
	case domain.ProviderInvoiceVoid:
		invoice.Status = invoicedomain.StatusVoid
		if err := s.invoices.Save(ctx, s.db, invoice); err != nil {
			return nil, domain.OutcomeNone, err
		}
		return invoice, domain.OutcomeNone, nil
	default:
		return invoice, domain.OutcomeWaiting, nil
	}
}

func (s *Service) appendAttempt(invoice *invoicedomain.Invoice, at time.Time, success bool, message string) {
	attempts := invoice.PaymentAttempts.Data()
	attempts = append(attempts, invoicedomain.PaymentAttempt{At: at, Success: success, Message: message})
	invoice.PaymentAttempts = datatypes.NewJSONType(attempts)
}
