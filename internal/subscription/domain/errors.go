package domain

import "github.com/smallbiznis/meterbill/pkg/apperr"

// Sentinel errors for the public subscription operations, tagged with
// the shared error taxonomy so callers can classify without importing
// this package.
var (
	ErrSubscriptionNotFound = apperr.NotFound("subscription not found")
	ErrPhaseNotFound        = apperr.NotFound("active phase not found")
	ErrInvalidStatus        = apperr.BadRequest("invalid subscription status")
	ErrInvalidTransition    = apperr.Conflict("invalid state transition")
	ErrInvalidCustomer      = apperr.BadRequest("customer not found or inactive")
	ErrInvalidPlanVersion   = apperr.BadRequest("plan version not found or unpublished")
	ErrPhaseOverlap         = apperr.Conflict("overlapping subscription phase")
	ErrSubscriptionInactive = apperr.Conflict("subscription is not active")
	ErrSubscriptionBusy     = apperr.Conflict("subscription is locked by another operation")
)
