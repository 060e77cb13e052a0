package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeDiscount returns the discount of rule over the matched subtotal,
// clamped to the rule's cap and rounded half-up to cents once, at the end.
func ComputeDiscount(rule *Rule, matched decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch rule.DiscountType {
	case DiscountPercentage:
		amount = matched.Mul(rule.DiscountValue).Div(hundred)
	case DiscountFixed:
		amount = decimal.Min(rule.DiscountValue, matched)
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", rule.DiscountType)
	}

	if rule.MaxDiscountAmount != nil && amount.GreaterThan(*rule.MaxDiscountAmount) {
		amount = *rule.MaxDiscountAmount
	}
	return floorAtZero(amount).Round(2), nil
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
