package coupon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/customer"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

// Source tells how the coupon reached the evaluator.
type Source int

const (
	// SourceCode means the customer typed the exact code. Non-public
	// coupons are only reachable this way.
	SourceCode Source = iota
	// SourceDiscovery means the coupon is being suggested to the customer.
	SourceDiscovery
)

// Match is the outcome of a successful evaluation.
type Match struct {
	// Lines are the indexes of the lines the coupon applies to.
	Lines []int
	// Subtotal is the whole cart subtotal.
	Subtotal decimal.Decimal
	// MatchedSubtotal is the discount base.
	MatchedSubtotal decimal.Decimal
}

// Evaluator decides whether a coupon may be applied to a cart.
type Evaluator struct {
	// AllowOfferStacking lets coupons apply to lines already priced by an
	// offer. Off by default: offers and coupons are mutually exclusive.
	AllowOfferStacking bool
}

// Evaluate runs the eligibility checks in order and returns the first
// failure as a *fault.Error. The quota check against usage is advisory; the
// authoritative one happens when reserving.
func (e Evaluator) Evaluate(
	rule *Rule,
	lines []Line,
	c customer.Customer,
	now time.Time,
	usage quota.Usage,
	src Source,
) (*Match, error) {
	if !rule.IsActive || (!rule.IsPublic && src != SourceCode) {
		return nil, fault.ErrInvalidCouponCode
	}

	if now.Before(rule.StartDate) {
		return nil, fault.ErrNotYetActive
	}
	if now.After(rule.EndDate) {
		return nil, fault.ErrExpired
	}

	if !rule.Segment.Admits(c, rule.SpecificCustomers) {
		return nil, fault.ErrCustomerNotEligible
	}

	m := &Match{Subtotal: decimal.Zero, MatchedSubtotal: decimal.Zero}
	for i, line := range lines {
		m.Subtotal = m.Subtotal.Add(line.Total)
		if !e.eligible(rule.Scope, line) {
			continue
		}
		m.Lines = append(m.Lines, i)
		m.MatchedSubtotal = m.MatchedSubtotal.Add(line.Total)
	}
	if len(m.Lines) == 0 {
		return nil, fault.ErrNotApplicableToItems
	}

	base := m.MatchedSubtotal
	if _, all := rule.Scope.(AllItems); all {
		base = m.Subtotal
	}
	if base.LessThan(rule.MinPurchaseAmount) {
		return nil, fault.New(fault.KindBelowMinimumPurchase,
			"cart subtotal %s is below the minimum purchase of %s",
			base.StringFixed(2), rule.MinPurchaseAmount.StringFixed(2),
		)
	}

	limits := rule.Limits()
	if !limits.GlobalRemaining(usage) {
		return nil, fault.ErrUsageLimitExceeded
	}
	if !limits.CustomerRemaining(usage) {
		return nil, fault.ErrPerCustomerLimitExceeded
	}

	return m, nil
}

func (e Evaluator) eligible(s Scope, line Line) bool {
	if line.Kind == catalog.KindOffer && !e.AllowOfferStacking {
		return false
	}
	return Matches(s, line)
}
