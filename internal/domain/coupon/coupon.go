package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/internal/domain/customer"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the matched subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, capped at the matched subtotal.
	DiscountFixed DiscountType = "fixed_amount"
)

// Segment is the customer audience a coupon targets.
type Segment string

const (
	SegmentAll       Segment = "all"
	SegmentNew       Segment = "new"
	SegmentReturning Segment = "returning"
	SegmentVIP       Segment = "vip"
	SegmentSpecific  Segment = "specific"
)

// Admits reports whether c belongs to the segment. SegmentSpecific consults
// the specific allow-list.
func (s Segment) Admits(c customer.Customer, specific map[string]struct{}) bool {
	switch s {
	case SegmentAll:
		return true
	case SegmentNew:
		return c.Classification() == customer.SegmentNew
	case SegmentReturning:
		return c.Classification() == customer.SegmentReturning
	case SegmentVIP:
		return c.Classification() == customer.SegmentVIP
	case SegmentSpecific:
		_, ok := specific[c.ID]
		return ok
	default:
		return false
	}
}

// Rule is a coupon as authored by the admin catalog. It is read-only here.
type Rule struct {
	Code                  string
	Description           string
	DiscountType          DiscountType
	DiscountValue         decimal.Decimal
	MinPurchaseAmount     decimal.Decimal
	MaxDiscountAmount     *decimal.Decimal
	Scope                 Scope
	UsageLimit            *int
	UsageLimitPerCustomer int
	StartDate             time.Time
	EndDate               time.Time
	Segment               Segment
	SpecificCustomers     map[string]struct{}
	IsActive              bool
	IsPublic              bool
}

// Limits returns the quota ceilings of the rule.
func (r *Rule) Limits() quota.Limits {
	return quota.Limits{Global: r.UsageLimit, PerCustomer: r.UsageLimitPerCustomer}
}

// ErrInvalidRule wraps every Validate failure.
var ErrInvalidRule = errors.New("invalid coupon rule")

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidRule, format, args...)
}

// Validate checks the authoring invariants of the rule.
func (r *Rule) Validate() error {
	if r.Code == "" || r.Code != NormalizeCode(r.Code) {
		return invalid("code %q is not normalized", r.Code)
	}
	switch r.DiscountType {
	case DiscountPercentage:
		if !r.DiscountValue.IsPositive() || r.DiscountValue.GreaterThan(hundred) {
			return invalid("percentage %s out of (0, 100]", r.DiscountValue)
		}
	case DiscountFixed:
		if !r.DiscountValue.IsPositive() {
			return invalid("fixed amount %s must be positive", r.DiscountValue)
		}
	default:
		return invalid("unknown discount type %q", r.DiscountType)
	}
	if r.MinPurchaseAmount.IsNegative() {
		return invalid("negative min purchase amount")
	}
	if r.MaxDiscountAmount != nil && r.MaxDiscountAmount.IsNegative() {
		return invalid("negative max discount amount")
	}
	if r.Scope == nil {
		return invalid("missing scope")
	}
	if r.UsageLimit != nil && *r.UsageLimit <= 0 {
		return invalid("usage limit must be positive")
	}
	if r.UsageLimitPerCustomer <= 0 {
		return invalid("usage limit per customer must be positive")
	}
	if !r.StartDate.Before(r.EndDate) {
		return invalid("start date must precede end date")
	}
	switch r.Segment {
	case SegmentAll, SegmentNew, SegmentReturning, SegmentVIP:
	case SegmentSpecific:
		if len(r.SpecificCustomers) == 0 {
			return invalid("specific segment without customers")
		}
	default:
		return invalid("unknown segment %q", r.Segment)
	}
	return nil
}

// NormalizeCode canonicalizes a user-supplied coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository provides read access to coupon rules.
type Repository interface {
	// FindByCode returns fault.ErrInvalidCouponCode when no rule has the
	// (normalized) code.
	FindByCode(ctx context.Context, code string) (*Rule, error)
	// ListPublic returns active, public rules whose window contains now.
	ListPublic(ctx context.Context, now time.Time) ([]*Rule, error)
}
