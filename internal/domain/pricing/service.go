package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/customer"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

// releaseTimeout bounds the cleanup release issued on a failed request.
const releaseTimeout = 5 * time.Second

// Options configures a Service. Zero values select defaults.
type Options struct {
	// AllowOfferStacking lets coupons discount offer lines.
	AllowOfferStacking bool
	// LookupRetries is how many times a failed catalog, coupon or customer
	// lookup is retried.
	LookupRetries         int
	LookupInitialInterval time.Duration
	LookupMaxInterval     time.Duration

	Now            func() time.Time
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.LookupRetries <= 0 {
		o.LookupRetries = 2
	}
	if o.LookupInitialInterval <= 0 {
		o.LookupInitialInterval = 50 * time.Millisecond
	}
	if o.LookupMaxInterval <= 0 {
		o.LookupMaxInterval = 500 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
}

// Service is the order total assembler.
type Service struct {
	catalog   catalog.Provider
	customers customer.Provider
	coupons   coupon.Repository
	quota     Quota

	evaluator coupon.Evaluator
	opts      Options

	tracer      trace.Tracer
	resolutions metric.Int64Counter
}

// NewService creates a pricing Service with the required dependencies.
func NewService(
	catalogs catalog.Provider,
	customers customer.Provider,
	coupons coupon.Repository,
	q Quota,
	opts Options,
) (*Service, error) {
	opts.setDefaults()

	resolutions, err := opts.MeterProvider.Meter("pricing").Int64Counter("pricing.resolutions",
		metric.WithDescription("Pricing requests by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "resolutions counter")
	}

	return &Service{
		catalog:     catalogs,
		customers:   customers,
		coupons:     coupons,
		quota:       q,
		evaluator:   coupon.Evaluator{AllowOfferStacking: opts.AllowOfferStacking},
		opts:        opts,
		tracer:      opts.TracerProvider.Tracer("pricing"),
		resolutions: resolutions,
	}, nil
}

func validate(req Request) error {
	if req.CustomerID == "" {
		return fault.New(fault.KindInvalidRequest, "customer_id is required")
	}
	if len(req.Items) == 0 {
		return fault.New(fault.KindInvalidRequest, "items required")
	}
	for i, item := range req.Items {
		if item.CatalogItemID == "" {
			return fault.New(fault.KindInvalidRequest, "items[%d]: catalog_item_id is required", i)
		}
		if !item.Kind.Valid() {
			return fault.New(fault.KindInvalidRequest, "items[%d]: unknown item_kind %q", i, item.Kind)
		}
		if item.Quantity <= 0 {
			return fault.New(fault.KindInvalidRequest, "items[%d]: quantity must be greater than 0", i)
		}
	}
	return nil
}

// Price computes the order total for req. When a coupon is applied the
// result carries a pending reservation that the caller must commit or
// release; on error no reservation is left behind.
func (s *Service) Price(ctx context.Context, req Request) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Price")
	defer span.End()
	defer func() {
		outcome := "ok"
		if rerr != nil {
			outcome = "error"
			if kind, ok := fault.KindOf(rerr); ok {
				outcome = string(kind)
			}
			span.RecordError(rerr)
		}
		s.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	if err := validate(req); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	res, err := s.priceCart(ctx, req.Items, now)
	if err != nil {
		return nil, err
	}

	code := coupon.NormalizeCode(req.CouponCode)
	if code == "" {
		return res, nil
	}
	span.SetAttributes(attribute.String("coupon.code", code))

	if err := s.applyCoupon(ctx, res, code, req.CustomerID, now); err != nil {
		return nil, err
	}
	return res, nil
}

// priceCart prices every line at the current catalog price. Services and
// offers are fetched concurrently.
func (s *Service) priceCart(ctx context.Context, items []CartItem, now time.Time) (*Result, error) {
	byKind := func(kind catalog.ItemKind) []string {
		ids := lo.FilterMap(items, func(item CartItem, _ int) (string, bool) {
			return item.CatalogItemID, item.Kind == kind
		})
		return lo.Uniq(ids)
	}
	serviceIDs, offerIDs := byKind(catalog.KindService), byKind(catalog.KindOffer)

	var (
		services map[string]catalog.Service
		offers   map[string]catalog.Offer
	)
	g, gctx := errgroup.WithContext(ctx)
	if len(serviceIDs) > 0 {
		g.Go(func() error {
			list, err := lookup(gctx, s, "catalog", func(ctx context.Context) ([]catalog.Service, error) {
				return s.catalog.Services(ctx, serviceIDs)
			})
			services = lo.KeyBy(list, func(svc catalog.Service) string { return svc.ID })
			return err
		})
	}
	if len(offerIDs) > 0 {
		g.Go(func() error {
			list, err := lookup(gctx, s, "catalog", func(ctx context.Context) ([]catalog.Offer, error) {
				return s.catalog.Offers(ctx, offerIDs)
			})
			offers = lo.KeyBy(list, func(o catalog.Offer) string { return o.ID })
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		LineItems:      make([]LineItem, 0, len(items)),
		Subtotal:       decimal.Zero,
		DiscountSource: DiscountNone,
		DiscountAmount: decimal.Zero,
		OfferSavings:   decimal.Zero,
	}
	for _, item := range items {
		line := LineItem{
			CatalogItemID: item.CatalogItemID,
			Kind:          item.Kind,
			Quantity:      item.Quantity,
			OfferSavings:  decimal.Zero,
		}
		switch item.Kind {
		case catalog.KindService:
			svc, ok := services[item.CatalogItemID]
			if !ok {
				return nil, fault.New(fault.KindCatalogItemNotFound, "service %s not found", item.CatalogItemID)
			}
			line.Name = svc.Name
			line.ServiceID = svc.ID
			line.CategoryID = svc.CategoryID
			line.UnitPrice = svc.Price
			line.OriginalUnitPrice = svc.Price
		case catalog.KindOffer:
			o, ok := offers[item.CatalogItemID]
			if !ok {
				return nil, fault.New(fault.KindCatalogItemNotFound, "offer %s not found", item.CatalogItemID)
			}
			if !o.AvailableAt(now) {
				return nil, fault.New(fault.KindCatalogItemNotFound, "offer %s is not available", item.CatalogItemID)
			}
			line.Name = o.Name
			line.ServiceID = o.ServiceID
			line.CategoryID = o.CategoryID
			line.UnitPrice = o.SalePrice
			line.OriginalUnitPrice = o.OriginalPrice
			res.DiscountSource = DiscountOffer
		}

		qty := decimal.NewFromInt(int64(item.Quantity))
		line.LineTotal = line.UnitPrice.Mul(qty)
		line.OfferSavings = line.OriginalUnitPrice.Sub(line.UnitPrice).Mul(qty)

		res.Subtotal = res.Subtotal.Add(line.LineTotal)
		res.OfferSavings = res.OfferSavings.Add(line.OfferSavings)
		res.LineItems = append(res.LineItems, line)
	}

	res.Subtotal = res.Subtotal.Round(2)
	res.OfferSavings = res.OfferSavings.Round(2)
	res.Total = Total(res.Subtotal, decimal.Zero)
	return res, nil
}

func couponLines(items []LineItem) []coupon.Line {
	return lo.Map(items, func(li LineItem, _ int) coupon.Line {
		l := coupon.Line{
			Kind:       li.Kind,
			ItemID:     li.CatalogItemID,
			ServiceID:  li.ServiceID,
			CategoryID: li.CategoryID,
			Total:      li.LineTotal,
		}
		if li.Kind == catalog.KindOffer {
			l.OfferID = li.CatalogItemID
		}
		return l
	})
}

// applyCoupon evaluates code against the priced cart, reserves one usage
// slot and applies the discount to res.
func (s *Service) applyCoupon(ctx context.Context, res *Result, code, customerID string, now time.Time) (rerr error) {
	rule, err := lookup(ctx, s, "coupons", func(ctx context.Context) (*coupon.Rule, error) {
		return s.coupons.FindByCode(ctx, code)
	})
	if err != nil {
		return err
	}
	cust, err := lookup(ctx, s, "customers", func(ctx context.Context) (*customer.Customer, error) {
		return customer.Resolve(ctx, s.customers, customerID)
	})
	if err != nil {
		return err
	}
	usage, err := lookup(ctx, s, "quota", func(ctx context.Context) (quota.Usage, error) {
		return s.quota.Usage(ctx, rule.Code, customerID)
	})
	if err != nil {
		return err
	}

	match, err := s.evaluator.Evaluate(rule, couponLines(res.LineItems), *cust, now, usage, coupon.SourceCode)
	if err != nil {
		return err
	}

	r, err := s.quota.Reserve(ctx, rule.Code, customerID, rule.Limits())
	if err != nil {
		if fault.IsRule(err) {
			return err
		}
		return fault.Wrap(fault.KindServiceUnavailable, err, "quota unavailable")
	}
	defer func() {
		if rerr != nil {
			s.release(ctx, r.ID)
		}
	}()

	amount, err := coupon.ComputeDiscount(rule, match.MatchedSubtotal)
	if err != nil {
		return errors.Wrap(err, "compute discount")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.DiscountSource = DiscountCoupon
	res.DiscountAmount = amount
	res.Total = Total(res.Subtotal, amount)
	res.CouponCode = rule.Code
	res.ReservationID = r.ID
	res.ReservationExpiresAt = r.ExpiresAt
	return nil
}

// release frees a reservation taken earlier in a failed request. It runs
// even when ctx is already canceled.
func (s *Service) release(ctx context.Context, id string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := s.quota.Release(rctx, id); err != nil {
		zctx.From(ctx).Error("Release reservation after failed pricing",
			zap.String("reservation", id),
			zap.Error(err),
		)
	}
}

// Commit finalizes a reservation for orderID. Repeated commits are no-ops.
func (s *Service) Commit(ctx context.Context, reservationID, orderID string) error {
	if reservationID == "" || orderID == "" {
		return fault.New(fault.KindInvalidRequest, "reservation id and order_id are required")
	}
	return classify(s.quota.Commit(ctx, reservationID, orderID))
}

// Release frees a reservation after an abandoned or failed checkout.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return fault.New(fault.KindInvalidRequest, "reservation id is required")
	}
	return classify(s.quota.Release(ctx, reservationID))
}

func classify(err error) error {
	if err == nil || fault.IsRule(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return fault.Wrap(fault.KindServiceUnavailable, err, "quota unavailable")
}
