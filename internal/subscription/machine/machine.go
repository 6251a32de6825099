// Package machine runs the subscription lifecycle state machine. States
// are tagged variants, transitions are a pure routing function over
// guard predicates, and transitional states invoke services that always
// resolve to a stable tag. Events sent to one machine instance execute
// in arrival order on a single goroutine.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	bpdomain "github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/smallbiznis/meterbill/internal/clock"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/observability/metrics"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Tag string

const (
	TagLoading                  Tag = "loading"
	TagTrialing                 Tag = "trialing"
	TagActive                   Tag = "active"
	TagPastDue                  Tag = "past_due"
	TagGeneratingBillingPeriods Tag = "generating_billing_periods"
	TagInvoicing                Tag = "invoicing"
	TagRenewing                 Tag = "renewing"
	TagCanceling                Tag = "canceling"
	TagChanging                 Tag = "changing"
	TagExpiring                 Tag = "expiring"
	TagCanceled                 Tag = "canceled"
	TagExpired                  Tag = "expired"
	TagError                    Tag = "error"
)

// Terminal reports whether the machine can accept no further events.
func (t Tag) Terminal() bool {
	return t == TagCanceled || t == TagExpired || t == TagError
}

type EventType string

const (
	EventBillingPeriod  EventType = "BILLING_PERIOD"
	EventInvoice        EventType = "INVOICE"
	EventRenew          EventType = "RENEW"
	EventCancel         EventType = "CANCEL"
	EventChange         EventType = "CHANGE"
	EventPaymentSuccess EventType = "PAYMENT_SUCCESS"
	EventPaymentFailure EventType = "PAYMENT_FAILURE"
	EventInvoiceSuccess EventType = "INVOICE_SUCCESS"
	EventInvoiceFailure EventType = "INVOICE_FAILURE"
)

// ChangeSpec is the prepared payload of a CHANGE event: the new phase
// to open and the settlement amount of the outgoing one.
type ChangeSpec struct {
	PlanVersion     plandomain.PlanVersion
	Items           []*subdomain.SubscriptionItem
	PaymentMethodID *string
	// PaidAmountCents is what the customer already paid for the outgoing
	// cycle; it funds the mid-cycle credit on advance plans.
	PaidAmountCents int64
}

type Event struct {
	Type   EventType
	At     time.Time
	Change *ChangeSpec
}

// Wait timeouts per event class.
const (
	DefaultWaitTimeout = 10 * time.Second
	RenewWaitTimeout   = 15 * time.Second
	InvoiceWaitTimeout = 30 * time.Second
)

// WaitTimeoutError is returned by SendAndWait when the machine does not
// reach a stable tag in time.
type WaitTimeoutError struct {
	Event   EventType
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("machine did not settle event %s within %s", e.Event, e.Timeout)
}

// Context is the machine's working set, loaded once and mutated by
// invokes.
type Context struct {
	Sub      *subdomain.Subscription
	Customer *customerdomain.Customer
	Phase    *subdomain.PhaseContext
	// Err carries the failure that moved the machine to its error tag.
	Err error
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Subs      subdomain.Repository
	Customers customerdomain.Repository
	Periods   bpdomain.Repository
	Materials bpdomain.Service
	Invoices  invoicedomain.Service
}

// Factory builds per-subscription machines over shared dependencies.
type Factory struct {
	p Params
}

func NewFactory(p Params) *Factory {
	return &Factory{p: p}
}

func (f *Factory) Machine(projectID, subscriptionID snowflake.ID) *Machine {
	m := &Machine{
		p:              f.p,
		log:            f.p.Log.Named("subscription.machine").With(zap.Int64("subscription_id", subscriptionID.Int64())),
		projectID:      projectID,
		subscriptionID: subscriptionID,
		tag:            TagLoading,
		queue:          make(chan envelope, 32),
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

type outcome struct {
	tag Tag
	err error
}

type envelope struct {
	event Event
	done  chan outcome
}

// Machine serializes lifecycle events for one subscription.
type Machine struct {
	p              Params
	log            *zap.Logger
	projectID      snowflake.ID
	subscriptionID snowflake.ID

	startOnce sync.Once
	runCtx    context.Context
	cancel    context.CancelFunc
	queue     chan envelope

	// owned by the run loop after start
	tag Tag
	c   Context
}

// Close stops the run loop. Queued events that have not started are
// answered with the run context's error.
func (m *Machine) Close() {
	m.cancel()
}

// Tag returns the last settled tag. Only meaningful between SendAndWait
// calls; the run loop owns the field while processing.
func (m *Machine) Current() Tag {
	return m.tag
}

// Err returns the failure that parked the machine in its error tag.
func (m *Machine) Err() error {
	return m.c.Err
}

// Send enqueues an event without waiting for it to settle.
func (m *Machine) Send(ev Event) {
	m.start()
	select {
	case m.queue <- envelope{event: ev}:
	case <-m.runCtx.Done():
	}
}

// SendAndWait enqueues an event and blocks until the machine settles on
// a stable tag, the timeout passes, or ctx is canceled.
func (m *Machine) SendAndWait(ctx context.Context, ev Event, timeout time.Duration) (Tag, error) {
	m.start()
	done := make(chan outcome, 1)
	select {
	case m.queue <- envelope{event: ev, done: done}:
	case <-ctx.Done():
		return m.tag, ctx.Err()
	case <-m.runCtx.Done():
		return m.tag, m.runCtx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.tag, out.err
	case <-timer.C:
		return m.tag, &WaitTimeoutError{Event: ev.Type, Timeout: timeout}
	case <-ctx.Done():
		return m.tag, ctx.Err()
	}
}

func (m *Machine) start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

func (m *Machine) run() {
	for {
		select {
		case env := <-m.queue:
			tag, err := m.handle(env.event)
			if env.done != nil {
				env.done <- outcome{tag: tag, err: err}
			}
		case <-m.runCtx.Done():
			return
		}
	}
}

func (m *Machine) handle(ev Event) (Tag, error) {
	now := ev.At
	if now.IsZero() {
		now = m.p.Clock.Now()
	}
	now = now.UTC()

	if err := m.ensureLoaded(now); err != nil {
		return m.fail(err)
	}
	if m.tag.Terminal() {
		return m.tag, fmt.Errorf("%w: machine is %s", subdomain.ErrInvalidTransition, m.tag)
	}

	next, err := m.route(ev, now)
	if err != nil {
		var guard *GuardError
		// A failed RENEW guard parks the machine; other guard failures
		// surface to the caller and leave the state alone.
		if errors.As(err, &guard) && ev.Type == EventRenew && m.tag == TagTrialing {
			return m.fail(err)
		}
		return m.tag, err
	}
	if next == m.tag {
		return m.tag, nil
	}
	if _, stable := tagStatus(next); stable {
		return m.settle(next, now)
	}
	return m.invoke(next, ev, now)
}

// route is the pure transition: current tag + event + guards decide the
// next (possibly transitional) tag.
func (m *Machine) route(ev Event, now time.Time) (Tag, error) {
	c := &m.c
	switch m.tag {
	case TagTrialing:
		switch ev.Type {
		case EventBillingPeriod:
			if err := requireGuards(ev.Type, map[string]bool{
				guardSubscriptionActive: c.Sub.Active,
			}); err != nil {
				return m.tag, err
			}
			return TagGeneratingBillingPeriods, nil
		case EventRenew:
			if err := requireGuards(ev.Type, map[string]bool{
				guardIsTrialExpired:        c.isTrialExpired(now),
				guardHasValidPaymentMethod: c.hasValidPaymentMethod(),
				guardCanRenew:              c.canRenew(now),
			}); err != nil {
				return m.tag, err
			}
			return TagRenewing, nil
		case EventCancel:
			return TagCanceling, nil
		}

	case TagActive, TagPastDue:
		switch ev.Type {
		case EventBillingPeriod:
			if err := requireGuards(ev.Type, map[string]bool{
				guardSubscriptionActive: c.Sub.Active,
			}); err != nil {
				return m.tag, err
			}
			return TagGeneratingBillingPeriods, nil
		case EventInvoice:
			due, err := m.hasDueBillingPeriods(now)
			if err != nil {
				return m.tag, err
			}
			if err := requireGuards(ev.Type, map[string]bool{
				guardHasValidPaymentMethod: c.hasValidPaymentMethod(),
				guardHasDueBillingPeriods:  due,
			}); err != nil {
				return m.tag, err
			}
			return TagInvoicing, nil
		case EventRenew:
			if m.tag == TagPastDue {
				break
			}
			if !c.canRenew(now) {
				return m.tag, requireGuards(ev.Type, map[string]bool{guardCanRenew: false})
			}
			if !c.isAutoRenewEnabled() {
				return TagExpiring, nil
			}
			return TagRenewing, nil
		case EventPaymentSuccess, EventInvoiceSuccess:
			if c.isAdvanceBilling() && c.canRenew(now) {
				return TagRenewing, nil
			}
			if m.tag == TagPastDue {
				// payment recovered the subscription
				return TagActive, nil
			}
			return m.tag, nil
		case EventPaymentFailure, EventInvoiceFailure:
			return TagPastDue, nil
		case EventCancel:
			if m.tag == TagPastDue {
				return TagCanceled, nil
			}
			return TagCanceling, nil
		case EventChange:
			if ev.Change == nil {
				return m.tag, fmt.Errorf("%w: CHANGE event without a change spec", subdomain.ErrInvalidTransition)
			}
			return TagChanging, nil
		}
	}

	return m.tag, fmt.Errorf("%w: %s does not accept %s", subdomain.ErrInvalidTransition, m.tag, ev.Type)
}

// invoke runs the transitional state's service and resolves to a stable
// tag.
func (m *Machine) invoke(next Tag, ev Event, now time.Time) (Tag, error) {
	var err error
	switch next {
	case TagGeneratingBillingPeriods:
		err = m.generateBillingPeriods(now)
	case TagInvoicing:
		err = m.assembleInvoices(now)
	case TagRenewing:
		err = m.renew(now)
	case TagCanceling:
		err = m.cancelSubscription(now)
	case TagChanging:
		err = m.changePhase(*ev.Change, now)
	case TagExpiring:
		err = nil
	default:
		err = fmt.Errorf("no invoke for tag %s", next)
	}
	if err != nil {
		return m.fail(err)
	}

	switch next {
	case TagRenewing, TagChanging:
		return m.settle(TagActive, now)
	case TagCanceling:
		return m.settle(TagCanceled, now)
	case TagExpiring:
		return m.settle(TagExpired, now)
	default:
		return m.settle(statusTag(m.c.Sub.Status), now)
	}
}

// settle persists the status pair when the stable tag maps to a
// subscription status and records the new tag.
func (m *Machine) settle(stable Tag, now time.Time) (Tag, error) {
	status, ok := tagStatus(stable)
	if ok && (m.c.Sub.Status != status || m.c.Sub.Active != !status.Terminal()) {
		m.c.Sub.Status = status
		m.c.Sub.Active = !status.Terminal()
		if err := m.p.Subs.UpdateStatus(m.runCtx, m.p.DB, m.subscriptionID, status, m.c.Sub.Active); err != nil {
			return m.fail(err)
		}
		m.log.Info("subscription status persisted",
			zap.String("status", string(status)),
			zap.Time("at", now),
		)
	}
	if m.tag != stable {
		metrics.Scheduler().IncStateChange(string(m.tag), string(stable))
	}
	m.tag = stable
	return m.tag, nil
}

func (m *Machine) fail(err error) (Tag, error) {
	m.c.Err = err
	m.tag = TagError
	m.log.Error("machine entered error state", zap.Error(err))
	return m.tag, err
}

func (m *Machine) ensureLoaded(now time.Time) error {
	if m.tag != TagLoading {
		return nil
	}

	sub, err := m.p.Subs.FindSubscription(m.runCtx, m.p.DB, m.projectID, m.subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subdomain.ErrSubscriptionNotFound
	}
	customer, err := m.p.Customers.FindCustomer(m.runCtx, m.p.DB, m.projectID, sub.CustomerID)
	if err != nil {
		return err
	}
	if customer == nil {
		return subdomain.ErrInvalidCustomer
	}

	m.c = Context{Sub: sub, Customer: customer}

	phaseRow, err := m.p.Subs.ActivePhase(m.runCtx, m.p.DB, m.subscriptionID, now)
	if err != nil {
		return err
	}
	if phaseRow == nil {
		if sub.Status.Terminal() {
			m.tag = statusTag(sub.Status)
			return nil
		}
		return subdomain.ErrPhaseNotFound
	}
	phase, err := m.p.Subs.LoadPhaseContext(m.runCtx, m.p.DB, *phaseRow)
	if err != nil {
		return err
	}
	m.c.Phase = phase

	m.tag = statusTag(sub.Status)
	if m.tag == TagError {
		return fmt.Errorf("%w: %q", subdomain.ErrInvalidStatus, sub.Status)
	}
	return nil
}

func (m *Machine) hasDueBillingPeriods(now time.Time) (bool, error) {
	due, err := m.p.Periods.CountPendingDue(m.runCtx, m.p.DB, m.subscriptionID, now)
	if err != nil {
		return false, err
	}
	return due > 0, nil
}

func (m *Machine) generateBillingPeriods(now time.Time) error {
	_, err := m.p.Materials.GenerateBillingPeriods(m.runCtx, m.c.Sub, m.c.Customer, m.c.Phase, now)
	return err
}

func (m *Machine) assembleInvoices(now time.Time) error {
	_, err := m.p.Invoices.AssembleInvoices(m.runCtx, invoicedomain.AssembleRequest{
		Sub:      m.c.Sub,
		Customer: m.c.Customer,
		Phase:    m.c.Phase,
		Now:      now,
	})
	return err
}

// renew advances the subscription onto the cycle window containing now.
// Re-running with an unchanged window is a no-op, which makes renewal
// safe to retry.
func (m *Machine) renew(now time.Time) error {
	phase := m.c.Phase
	window, err := calendar.CycleWindow(now, phaseCalendarInput(phase))
	if err != nil {
		return err
	}
	if window == nil {
		return fmt.Errorf("no cycle window at %s for phase %d", now, phase.Phase.ID)
	}

	sub := m.c.Sub
	renewAt := window.End
	if sub.CurrentCycleStartAt.Equal(window.Start) &&
		sub.CurrentCycleEndAt.Equal(window.End) &&
		phase.Phase.RenewAt != nil && phase.Phase.RenewAt.Equal(renewAt) {
		return nil
	}

	sub.CurrentCycleStartAt = window.Start
	sub.CurrentCycleEndAt = window.End
	sub.PlanSlug = phase.Plan.PlanSlug
	phase.Phase.CurrentCycleStartAt = window.Start
	phase.Phase.CurrentCycleEndAt = window.End
	phase.Phase.RenewAt = &renewAt

	if err := m.p.Subs.SaveSubscription(m.runCtx, m.p.DB, sub); err != nil {
		return err
	}
	if err := m.p.Subs.SavePhase(m.runCtx, m.p.DB, &phase.Phase); err != nil {
		return err
	}
	m.log.Info("subscription renewed",
		zap.Time("cycle_start_at", window.Start),
		zap.Time("cycle_end_at", window.End),
	)
	return nil
}

func (m *Machine) cancelSubscription(now time.Time) error {
	if m.c.Phase != nil {
		if err := m.p.Subs.ClosePhase(m.runCtx, m.p.DB, m.c.Phase.Phase.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// changePhase settles the outgoing phase, closes it at now, and opens
// the new one starting immediately.
func (m *Machine) changePhase(spec ChangeSpec, now time.Time) error {
	outgoing := m.c.Phase

	if _, err := m.p.Materials.MidCycleSplit(m.runCtx, bpdomain.MidCycleSplitRequest{
		Sub:             m.c.Sub,
		Customer:        m.c.Customer,
		Outgoing:        outgoing,
		PaidAmountCents: spec.PaidAmountCents,
		Now:             now,
	}); err != nil {
		return err
	}
	if err := m.p.Subs.ClosePhase(m.runCtx, m.p.DB, outgoing.Phase.ID, now); err != nil {
		return err
	}

	cfg := spec.PlanVersion.BillingConfig.Data()
	window, err := calendar.CycleWindow(now, calendar.Input{
		EffectiveStart: now,
		Config: calendar.BillingConfig{
			Interval:      cfg.Interval,
			IntervalCount: cfg.IntervalCount,
			Anchor:        cfg.Anchor,
			PlanType:      cfg.PlanType,
		},
	})
	if err != nil {
		return err
	}
	if window == nil {
		return fmt.Errorf("no cycle window at %s for plan version %d", now, spec.PlanVersion.ID)
	}

	paymentMethod := spec.PaymentMethodID
	if paymentMethod == nil {
		paymentMethod = outgoing.Phase.PaymentMethodID
	}
	phase := &subdomain.SubscriptionPhase{
		ID:                  m.p.GenID.Generate(),
		ProjectID:           m.projectID,
		SubscriptionID:      m.subscriptionID,
		PlanVersionID:       spec.PlanVersion.ID,
		PaymentMethodID:     paymentMethod,
		StartAt:             now,
		CurrentCycleStartAt: window.Start,
		CurrentCycleEndAt:   window.End,
		BillingAnchor:       cfg.Anchor,
	}
	items := make([]*subdomain.SubscriptionItem, 0, len(spec.Items))
	for _, item := range spec.Items {
		item.ID = m.p.GenID.Generate()
		item.ProjectID = m.projectID
		item.SubscriptionID = m.subscriptionID
		item.SubscriptionPhaseID = phase.ID
		items = append(items, item)
	}
	if err := m.p.Subs.CreatePhase(m.runCtx, m.p.DB, phase, items); err != nil {
		return err
	}

	loaded, err := m.p.Subs.LoadPhaseContext(m.runCtx, m.p.DB, *phase)
	if err != nil {
		return err
	}
	m.c.Phase = loaded

	sub := m.c.Sub
	sub.PlanSlug = spec.PlanVersion.PlanSlug
	sub.CurrentCycleStartAt = window.Start
	sub.CurrentCycleEndAt = window.End
	if err := m.p.Subs.SaveSubscription(m.runCtx, m.p.DB, sub); err != nil {
		return err
	}
	m.log.Info("phase changed",
		zap.Int64("outgoing_phase_id", outgoing.Phase.ID.Int64()),
		zap.Int64("phase_id", phase.ID.Int64()),
		zap.Int64("plan_version_id", spec.PlanVersion.ID.Int64()),
	)
	return nil
}

func statusTag(status subdomain.Status) Tag {
	switch status {
	case subdomain.StatusTrialing:
		return TagTrialing
	case subdomain.StatusActive:
		return TagActive
	case subdomain.StatusPastDue:
		return TagPastDue
	case subdomain.StatusCanceled:
		return TagCanceled
	case subdomain.StatusExpired:
		return TagExpired
	default:
		return TagError
	}
}

func tagStatus(tag Tag) (subdomain.Status, bool) {
	switch tag {
	case TagTrialing:
		return subdomain.StatusTrialing, true
	case TagActive:
		return subdomain.StatusActive, true
	case TagPastDue:
		return subdomain.StatusPastDue, true
	case TagCanceled:
		return subdomain.StatusCanceled, true
	case TagExpired:
		return subdomain.StatusExpired, true
	default:
		return "", false
	}
}

func phaseCalendarInput(phase *subdomain.PhaseContext) calendar.Input {
	cfg := phase.Plan.BillingConfig.Data()
	return calendar.Input{
		EffectiveStart: phase.Phase.StartAt,
		EffectiveEnd:   phase.Phase.EndAt,
		TrialEnd:       phase.Phase.TrialEndsAt,
		Config: calendar.BillingConfig{
			Interval:      cfg.Interval,
			IntervalCount: cfg.IntervalCount,
			Anchor:        cfg.Anchor,
			PlanType:      cfg.PlanType,
		},
	}
}
