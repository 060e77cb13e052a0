// Package fault defines the structured error taxonomy reported to pricing
// callers. Every rule failure surfaces as a *Error carrying a Kind; anything
// else is an infrastructure error.
package fault

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind is a machine-readable failure class. Its string value is sent to
// clients as error_kind.
type Kind string

const (
	KindInvalidRequest                 Kind = "InvalidRequest"
	KindInvalidCouponCode              Kind = "InvalidCouponCode"
	KindExpired                        Kind = "Expired"
	KindNotYetActive                   Kind = "NotYetActive"
	KindCustomerNotEligible            Kind = "CustomerNotEligible"
	KindNotApplicableToItems           Kind = "NotApplicableToItems"
	KindBelowMinimumPurchase           Kind = "BelowMinimumPurchase"
	KindUsageLimitExceeded             Kind = "UsageLimitExceeded"
	KindPerCustomerLimitExceeded       Kind = "PerCustomerLimitExceeded"
	KindCatalogItemNotFound            Kind = "CatalogItemNotFound"
	KindConcurrentReservationConflict  Kind = "ConcurrentReservationConflict"
	KindReservationExpiredBeforeCommit Kind = "ReservationExpiredBeforeCommit"
	KindReservationNotFound            Kind = "ReservationNotFound"
	KindServiceUnavailable             Kind = "ServiceUnavailable"
)

// Sentinels for errors.Is checks. Matching is by Kind, so an *Error with a
// custom message still matches the sentinel of its kind.
var (
	ErrInvalidRequest                 = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrInvalidCouponCode              = &Error{Kind: KindInvalidCouponCode, Message: "invalid coupon code"}
	ErrExpired                        = &Error{Kind: KindExpired, Message: "coupon expired"}
	ErrNotYetActive                   = &Error{Kind: KindNotYetActive, Message: "coupon is not active yet"}
	ErrCustomerNotEligible            = &Error{Kind: KindCustomerNotEligible, Message: "customer is not eligible for this coupon"}
	ErrNotApplicableToItems           = &Error{Kind: KindNotApplicableToItems, Message: "coupon does not apply to any cart item"}
	ErrBelowMinimumPurchase           = &Error{Kind: KindBelowMinimumPurchase, Message: "cart is below the coupon minimum purchase amount"}
	ErrUsageLimitExceeded             = &Error{Kind: KindUsageLimitExceeded, Message: "coupon usage limit reached"}
	ErrPerCustomerLimitExceeded       = &Error{Kind: KindPerCustomerLimitExceeded, Message: "coupon usage limit reached for this customer"}
	ErrCatalogItemNotFound            = &Error{Kind: KindCatalogItemNotFound, Message: "catalog item not found"}
	ErrConcurrentReservationConflict  = &Error{Kind: KindConcurrentReservationConflict, Message: "could not reserve coupon usage under contention"}
	ErrReservationExpiredBeforeCommit = &Error{Kind: KindReservationExpiredBeforeCommit, Message: "reservation is no longer held"}
	ErrReservationNotFound            = &Error{Kind: KindReservationNotFound, Message: "reservation not found"}
	ErrServiceUnavailable             = &Error{Kind: KindServiceUnavailable, Message: "pricing dependencies are unavailable"}
)

// Error is a classified pricing failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsRule reports whether err carries a classified kind, i.e. it should be
// reported to the caller as is and never retried.
func IsRule(err error) bool {
	_, ok := KindOf(err)
	return ok
}
