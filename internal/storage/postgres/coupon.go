package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
)

const (
	couponColumns = `code, description, discount_type, discount_value, min_purchase_amount,
		max_discount_amount, applies_to, applicable_ids, usage_limit, usage_limit_per_customer,
		start_date, end_date, customer_segment, specific_customers, is_active, is_public`

	couponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	publicCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE is_active AND is_public AND start_date <= $1 AND end_date >= $1
		ORDER BY code`

	// Quota counters are owned by the quota store and never overwritten.
	upsertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value,
			min_purchase_amount = EXCLUDED.min_purchase_amount,
			max_discount_amount = EXCLUDED.max_discount_amount,
			applies_to = EXCLUDED.applies_to,
			applicable_ids = EXCLUDED.applicable_ids,
			usage_limit = EXCLUDED.usage_limit,
			usage_limit_per_customer = EXCLUDED.usage_limit_per_customer,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			customer_segment = EXCLUDED.customer_segment,
			specific_customers = EXCLUDED.specific_customers,
			is_active = EXCLUDED.is_active,
			is_public = EXCLUDED.is_public`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code. Returns
// fault.ErrInvalidCouponCode when no coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	rows, err := r.pool.Query(ctx, couponByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.ErrInvalidCouponCode
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return rule, nil
}

// ListPublic returns active, public coupons whose window contains now.
func (r *CouponRepository) ListPublic(ctx context.Context, now time.Time) ([]*coupon.Rule, error) {
	rows, err := r.pool.Query(ctx, publicCouponsSQL, now)
	if err != nil {
		return nil, errors.Wrap(err, "list public coupons")
	}
	rules, err := pgx.CollectRows(rows, scanCouponRule)
	if err != nil {
		return nil, errors.Wrap(err, "scan public coupons")
	}
	return rules, nil
}

// Upsert inserts or updates the rule definition, leaving usage untouched.
func (r *CouponRepository) Upsert(ctx context.Context, rule *coupon.Rule) error {
	_, err := r.pool.Exec(ctx, upsertCouponSQL, couponArgs(rule)...)
	if err != nil {
		return errors.Wrapf(err, "upsert coupon %q", rule.Code)
	}
	return nil
}

// UpsertBatch upserts rules in a single round trip.
func (r *CouponRepository) UpsertBatch(ctx context.Context, rules []*coupon.Rule) error {
	batch := &pgx.Batch{}
	for _, rule := range rules {
		batch.Queue(upsertCouponSQL, couponArgs(rule)...)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert coupons")
	}
	return nil
}

func couponArgs(rule *coupon.Rule) []any {
	return []any{
		rule.Code,
		rule.Description,
		string(rule.DiscountType),
		rule.DiscountValue,
		rule.MinPurchaseAmount,
		rule.MaxDiscountAmount,
		string(rule.Scope.Kind()),
		scopeIDs(rule.Scope),
		rule.UsageLimit,
		rule.UsageLimitPerCustomer,
		rule.StartDate,
		rule.EndDate,
		string(rule.Segment),
		lo.Keys(rule.SpecificCustomers),
		rule.IsActive,
		rule.IsPublic,
	}
}

// scopeIDs never returns nil so the NOT NULL array column gets '{}'.
func scopeIDs(s coupon.Scope) []string {
	ids := coupon.ScopeIDs(s)
	if ids == nil {
		return []string{}
	}
	return ids
}

func scanCouponRule(row pgx.CollectableRow) (*coupon.Rule, error) {
	var (
		rule          coupon.Rule
		discountType  string
		maxDiscount   *decimal.Decimal
		appliesTo     string
		applicableIDs []string
		usageLimit    *int32
		perCustomer   int32
		segment       string
		specific      []string
	)
	err := row.Scan(
		&rule.Code, &rule.Description, &discountType, &rule.DiscountValue, &rule.MinPurchaseAmount,
		&maxDiscount, &appliesTo, &applicableIDs, &usageLimit, &perCustomer,
		&rule.StartDate, &rule.EndDate, &segment, &specific, &rule.IsActive, &rule.IsPublic,
	)
	if err != nil {
		return nil, err
	}

	scope, err := coupon.ParseScope(coupon.ScopeKind(appliesTo), applicableIDs)
	if err != nil {
		return nil, errors.Wrapf(err, "coupon %q", rule.Code)
	}

	rule.DiscountType = coupon.DiscountType(discountType)
	rule.MaxDiscountAmount = maxDiscount
	rule.Scope = scope
	if usageLimit != nil {
		rule.UsageLimit = lo.ToPtr(int(*usageLimit))
	}
	rule.UsageLimitPerCustomer = int(perCustomer)
	rule.Segment = coupon.Segment(segment)
	rule.SpecificCustomers = lo.SliceToMap(specific, func(id string) (string, struct{}) {
		return id, struct{}{}
	})
	return &rule, nil
}
