// Package cache decorates repositories with short-lived in-process caches.
package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
)

const (
	DefaultTTL             = 30 * time.Second
	DefaultCleanupInterval = 5 * time.Minute

	lookupTimeout = 5 * time.Second

	missingKey = "missing:"
	ruleKey    = "rule:"
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository caches rule lookups of an underlying coupon.Repository.
// Unknown codes are cached too, so probing for codes does not reach the
// database on every request. ListPublic is not cached since its result
// depends on now.
//
// Rules are definitions only; quota counters never pass through the cache.
type CouponRepository struct {
	next  coupon.Repository
	ttl   time.Duration
	items *gocache.Cache
	group singleflight.Group
}

// NewCouponRepository wraps next. A non-positive ttl uses DefaultTTL.
func NewCouponRepository(next coupon.Repository, ttl time.Duration) *CouponRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CouponRepository{
		next:  next,
		ttl:   ttl,
		items: gocache.New(ttl, DefaultCleanupInterval),
	}
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	if v, ok := r.items.Get(ruleKey + code); ok {
		return v.(*coupon.Rule), nil
	}
	if _, ok := r.items.Get(missingKey + code); ok {
		return nil, fault.ErrInvalidCouponCode
	}

	// The shared lookup outlives any single caller; each caller still stops
	// waiting when its own ctx is done.
	ch := r.group.DoChan(code, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		rule, err := r.next.FindByCode(lctx, code)
		switch {
		case errors.Is(err, fault.ErrInvalidCouponCode):
			r.items.Set(missingKey+code, struct{}{}, gocache.DefaultExpiration)
			return nil, err
		case err != nil:
			return nil, err
		}
		r.items.Set(ruleKey+code, rule, gocache.DefaultExpiration)
		return rule, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*coupon.Rule), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *CouponRepository) ListPublic(ctx context.Context, now time.Time) ([]*coupon.Rule, error) {
	return r.next.ListPublic(ctx, now)
}
