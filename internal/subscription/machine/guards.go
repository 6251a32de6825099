package machine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

// Guard names as they appear in rejection messages.
const (
	guardCanRenew              = "canRenew"
	guardIsTrialExpired        = "isTrialExpired"
	guardHasValidPaymentMethod = "hasValidPaymentMethod"
	guardIsAutoRenewEnabled    = "isAutoRenewEnabled"
	guardHasDueBillingPeriods  = "hasDueBillingPeriods"
	guardSubscriptionActive    = "subscriptionActive"
)

// GuardError reports which predicates rejected an event.
type GuardError struct {
	Event  EventType
	Failed []string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("event %s rejected: guard(s) failed: %s", e.Event, strings.Join(e.Failed, ", "))
}

// canRenew: the renewal point has arrived and the phase has not ended.
// A phase that never renewed has no renewAt and is always renewable.
func (c *Context) canRenew(now time.Time) bool {
	if c.Phase == nil {
		return false
	}
	phase := c.Phase.Phase
	if phase.RenewAt != nil && now.Before(*phase.RenewAt) {
		return false
	}
	if phase.EndAt != nil && phase.EndAt.Before(now) {
		return false
	}
	return true
}

func (c *Context) isTrialExpired(now time.Time) bool {
	if c.Phase == nil || c.Phase.Phase.TrialEndsAt == nil {
		return true
	}
	return !now.Before(*c.Phase.Phase.TrialEndsAt)
}

func (c *Context) hasValidPaymentMethod() bool {
	if c.Phase == nil {
		return false
	}
	if !c.Phase.Plan.RequiredPaymentMethod {
		return true
	}
	return c.Phase.Phase.PaymentMethodID != nil
}

func (c *Context) isAutoRenewEnabled() bool {
	return c.Phase != nil && c.Phase.Plan.AutoRenew
}

func (c *Context) isAdvanceBilling() bool {
	return c.Phase != nil && c.Phase.Plan.WhenToBill == plandomain.PayInAdvance
}

// requireGuards collects every failed predicate so the caller sees all
// of them at once, not just the first.
func requireGuards(event EventType, checks map[string]bool) error {
	var failed []string
	for name, ok := range checks {
		if !ok {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return &GuardError{Event: event, Failed: failed}
}
