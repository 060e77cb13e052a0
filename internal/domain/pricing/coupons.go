package pricing

import (
	"context"
	"slices"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/customer"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

// AvailableCoupons lists the public coupons req's cart currently qualifies
// for, best discount first. Nothing is reserved.
func (s *Service) AvailableCoupons(ctx context.Context, req Request) ([]Suggestion, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.AvailableCoupons")
	defer span.End()

	if err := validate(req); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	res, err := s.priceCart(ctx, req.Items, now)
	if err != nil {
		return nil, err
	}

	rules, err := lookup(ctx, s, "coupons", func(ctx context.Context) ([]*coupon.Rule, error) {
		return s.coupons.ListPublic(ctx, now)
	})
	if err != nil {
		return nil, err
	}
	cust, err := lookup(ctx, s, "customers", func(ctx context.Context) (*customer.Customer, error) {
		return customer.Resolve(ctx, s.customers, req.CustomerID)
	})
	if err != nil {
		return nil, err
	}

	lines := couponLines(res.LineItems)
	lg := zctx.From(ctx)

	out := make([]Suggestion, 0, len(rules))
	for _, rule := range rules {
		usage, err := lookup(ctx, s, "quota", func(ctx context.Context) (quota.Usage, error) {
			return s.quota.Usage(ctx, rule.Code, req.CustomerID)
		})
		if err != nil {
			return nil, err
		}

		match, err := s.evaluator.Evaluate(rule, lines, *cust, now, usage, coupon.SourceDiscovery)
		if err != nil {
			if !fault.IsRule(err) {
				return nil, err
			}
			continue
		}
		amount, err := coupon.ComputeDiscount(rule, match.MatchedSubtotal)
		if err != nil {
			lg.Warn("Skip coupon with broken rule", zap.String("coupon", rule.Code), zap.Error(err))
			continue
		}

		out = append(out, Suggestion{
			Code:           rule.Code,
			Description:    rule.Description,
			DiscountAmount: amount,
			Total:          Total(res.Subtotal, amount),
		})
	}

	slices.SortStableFunc(out, func(a, b Suggestion) int {
		return b.DiscountAmount.Cmp(a.DiscountAmount)
	})
	return out, nil
}
