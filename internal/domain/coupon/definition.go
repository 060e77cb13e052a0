package coupon

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Definition is the interchange form of a rule as exported by the admin
// catalog. Omitted optional fields take the catalog defaults.
type Definition struct {
	Code                  string           `json:"code"`
	Description           string           `json:"description"`
	DiscountType          DiscountType     `json:"discount_type"`
	DiscountValue         decimal.Decimal  `json:"discount_value"`
	MinPurchaseAmount     decimal.Decimal  `json:"min_purchase_amount"`
	MaxDiscountAmount     *decimal.Decimal `json:"max_discount_amount,omitempty"`
	AppliesTo             ScopeKind        `json:"applies_to,omitempty"`
	ApplicableIDs         []string         `json:"applicable_ids,omitempty"`
	UsageLimit            *int             `json:"usage_limit,omitempty"`
	UsageLimitPerCustomer int              `json:"usage_limit_per_customer,omitempty"`
	StartDate             time.Time        `json:"start_date"`
	EndDate               time.Time        `json:"end_date"`
	CustomerSegment       Segment          `json:"customer_segment,omitempty"`
	SpecificCustomers     []string         `json:"specific_customers,omitempty"`
	IsActive              *bool            `json:"is_active,omitempty"`
	IsPublic              *bool            `json:"is_public,omitempty"`
}

// Rule converts d to a validated Rule.
func (d Definition) Rule() (*Rule, error) {
	kind := d.AppliesTo
	if kind == "" {
		kind = ScopeAll
	}
	scope, err := ParseScope(kind, d.ApplicableIDs)
	if err != nil {
		return nil, errors.Wrapf(err, "code %q", d.Code)
	}

	r := &Rule{
		Code:                  NormalizeCode(d.Code),
		Description:           d.Description,
		DiscountType:          d.DiscountType,
		DiscountValue:         d.DiscountValue,
		MinPurchaseAmount:     d.MinPurchaseAmount,
		MaxDiscountAmount:     d.MaxDiscountAmount,
		Scope:                 scope,
		UsageLimit:            d.UsageLimit,
		UsageLimitPerCustomer: lo.CoalesceOrEmpty(d.UsageLimitPerCustomer, 1),
		StartDate:             d.StartDate,
		EndDate:               d.EndDate,
		Segment:               lo.CoalesceOrEmpty(d.CustomerSegment, SegmentAll),
		SpecificCustomers: lo.SliceToMap(d.SpecificCustomers, func(id string) (string, struct{}) {
			return id, struct{}{}
		}),
		IsActive: lo.FromPtrOr(d.IsActive, true),
		IsPublic: lo.FromPtrOr(d.IsPublic, true),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
