// Package memory implements in-process stores for tests and single-instance
// development.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

// maxSpin bounds CAS attempts per call before reporting contention.
const maxSpin = 64

// DefaultRetention is how long finished reservations are kept.
const DefaultRetention = 24 * time.Hour

var _ quota.Store = (*QuotaStore)(nil)

// couponState is an immutable, versioned snapshot of one coupon's counters.
// Writers copy it, mutate the copy and publish it with a compare-and-swap.
type couponState struct {
	version     uint64
	globalUsed  int
	perCustomer map[string]int
	// reservations keeps pending reservations and finished ones within the
	// retention window so that repeated commits and releases stay idempotent.
	reservations map[string]quota.Reservation
	pending      map[string]struct{}
	// closed maps finished reservation ids to the time they left pending.
	closed map[string]time.Time
}

func (s *couponState) clone() *couponState {
	next := &couponState{
		version:      s.version + 1,
		globalUsed:   s.globalUsed,
		perCustomer:  make(map[string]int, len(s.perCustomer)),
		reservations: make(map[string]quota.Reservation, len(s.reservations)+1),
		pending:      make(map[string]struct{}, len(s.pending)+1),
		closed:       make(map[string]time.Time, len(s.closed)+1),
	}
	for k, v := range s.perCustomer {
		next.perCustomer[k] = v
	}
	for k, v := range s.reservations {
		next.reservations[k] = v
	}
	for k := range s.pending {
		next.pending[k] = struct{}{}
	}
	for k, v := range s.closed {
		next.closed[k] = v
	}
	return next
}

// free returns the slots of a pending reservation and moves it to status.
func (s *couponState) free(r quota.Reservation, status quota.Status, now time.Time) quota.Reservation {
	s.globalUsed--
	if s.perCustomer[r.CustomerID] <= 1 {
		delete(s.perCustomer, r.CustomerID)
	} else {
		s.perCustomer[r.CustomerID]--
	}
	r.Status = status
	s.finish(r, now)
	return r
}

// finish stores r as no longer pending.
func (s *couponState) finish(r quota.Reservation, now time.Time) {
	delete(s.pending, r.ID)
	s.reservations[r.ID] = r
	s.closed[r.ID] = now
}

// reclaim expires pending reservations past their TTL at now.
func (s *couponState) reclaim(now time.Time) {
	for id := range s.pending {
		if r := s.reservations[id]; r.Expired(now) {
			s.free(r, quota.StatusExpired, now)
		}
	}
}

// prune drops reservations finished more than retention before now and
// returns their ids.
func (s *couponState) prune(now time.Time, retention time.Duration) []string {
	var ids []string
	for id, at := range s.closed {
		if now.Sub(at) > retention {
			delete(s.closed, id)
			delete(s.reservations, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// usage counts held slots, skipping pending reservations expired at now.
func (s *couponState) usage(customerID string, now time.Time) quota.Usage {
	u := quota.Usage{GlobalUsed: s.globalUsed, CustomerUsed: s.perCustomer[customerID]}
	for id := range s.pending {
		r := s.reservations[id]
		if !r.Expired(now) {
			continue
		}
		u.GlobalUsed--
		if r.CustomerID == customerID {
			u.CustomerUsed--
		}
	}
	return u
}

// QuotaStore is a lock-free quota.Store. Each coupon's counters live behind
// an atomic pointer; every operation is a single CAS of a new version.
// Finished reservations are forgotten after the retention period, after
// which their ids are unknown.
type QuotaStore struct {
	retention time.Duration
	coupons   sync.Map // code -> *atomic.Pointer[couponState]
	index     sync.Map // reservation id -> code
}

// Option configures a QuotaStore.
type Option func(*QuotaStore)

// WithRetention sets how long finished reservations are kept. Non-positive
// values keep DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *QuotaStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewQuotaStore creates an empty QuotaStore.
func NewQuotaStore(opts ...Option) *QuotaStore {
	s := &QuotaStore{retention: DefaultRetention}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *QuotaStore) coupon(code string) *atomic.Pointer[couponState] {
	if p, ok := s.coupons.Load(code); ok {
		return p.(*atomic.Pointer[couponState])
	}
	p := new(atomic.Pointer[couponState])
	p.Store(&couponState{
		perCustomer:  map[string]int{},
		reservations: map[string]quota.Reservation{},
		pending:      map[string]struct{}{},
		closed:       map[string]time.Time{},
	})
	actual, _ := s.coupons.LoadOrStore(code, p)
	return actual.(*atomic.Pointer[couponState])
}

// forget removes pruned ids from the index.
func (s *QuotaStore) forget(ids []string) {
	for _, id := range ids {
		s.index.Delete(id)
	}
}

func (s *QuotaStore) lookup(id string) (*atomic.Pointer[couponState], error) {
	code, ok := s.index.Load(id)
	if !ok {
		return nil, quota.ErrNotFound
	}
	return s.coupon(code.(string)), nil
}

func (s *QuotaStore) Reserve(ctx context.Context, p quota.ReserveParams) (*quota.Reservation, error) {
	ptr := s.coupon(p.CouponCode)
	for range maxSpin {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur := ptr.Load()
		next := cur.clone()
		next.reclaim(p.Now)
		pruned := next.prune(p.Now, s.retention)

		u := quota.Usage{GlobalUsed: next.globalUsed, CustomerUsed: next.perCustomer[p.CustomerID]}
		if !p.Limits.GlobalRemaining(u) {
			return nil, quota.ErrGlobalLimit
		}
		if !p.Limits.CustomerRemaining(u) {
			return nil, quota.ErrCustomerLimit
		}

		r := quota.Reservation{
			ID:         p.ID,
			CouponCode: p.CouponCode,
			CustomerID: p.CustomerID,
			Status:     quota.StatusPending,
			ReservedAt: p.Now,
			ExpiresAt:  p.ExpiresAt,
		}
		next.globalUsed++
		next.perCustomer[p.CustomerID]++
		next.reservations[r.ID] = r
		next.pending[r.ID] = struct{}{}

		if ptr.CompareAndSwap(cur, next) {
			s.forget(pruned)
			s.index.Store(r.ID, p.CouponCode)
			return &r, nil
		}
	}
	return nil, errors.Wrapf(quota.ErrContention, "reserve %s", p.CouponCode)
}

func (s *QuotaStore) Commit(ctx context.Context, id, orderID string, now time.Time) (*quota.Reservation, quota.Outcome, error) {
	ptr, err := s.lookup(id)
	if err != nil {
		return nil, quota.OutcomeNoop, err
	}
	for range maxSpin {
		if err := ctx.Err(); err != nil {
			return nil, quota.OutcomeNoop, err
		}

		cur := ptr.Load()
		r, ok := cur.reservations[id]
		switch {
		case !ok:
			return nil, quota.OutcomeNoop, quota.ErrNotFound
		case r.Status == quota.StatusCommitted:
			return &r, quota.OutcomeNoop, nil
		case r.Status != quota.StatusPending:
			return &r, quota.OutcomeNoop, quota.ErrExpired
		}

		next := cur.clone()
		pruned := next.prune(now, s.retention)
		if r.Expired(now) {
			expired := next.free(r, quota.StatusExpired, now)
			if ptr.CompareAndSwap(cur, next) {
				s.forget(pruned)
				return &expired, quota.OutcomeApplied, quota.ErrExpired
			}
			continue
		}

		r.Status = quota.StatusCommitted
		r.OrderID = orderID
		next.finish(r, now)
		if ptr.CompareAndSwap(cur, next) {
			s.forget(pruned)
			return &r, quota.OutcomeApplied, nil
		}
	}
	return nil, quota.OutcomeNoop, errors.Wrapf(quota.ErrContention, "commit %s", id)
}

func (s *QuotaStore) Release(ctx context.Context, id string, now time.Time) (*quota.Reservation, quota.Outcome, error) {
	ptr, err := s.lookup(id)
	if err != nil {
		return nil, quota.OutcomeNoop, err
	}
	for range maxSpin {
		if err := ctx.Err(); err != nil {
			return nil, quota.OutcomeNoop, err
		}

		cur := ptr.Load()
		r, ok := cur.reservations[id]
		switch {
		case !ok:
			return nil, quota.OutcomeNoop, quota.ErrNotFound
		case r.Status != quota.StatusPending:
			return &r, quota.OutcomeNoop, nil
		}

		next := cur.clone()
		pruned := next.prune(now, s.retention)
		released := next.free(r, quota.StatusReleased, now)
		if ptr.CompareAndSwap(cur, next) {
			s.forget(pruned)
			return &released, quota.OutcomeApplied, nil
		}
	}
	return nil, quota.OutcomeNoop, errors.Wrapf(quota.ErrContention, "release %s", id)
}

func (s *QuotaStore) Usage(_ context.Context, code, customerID string, now time.Time) (quota.Usage, error) {
	return s.coupon(code).Load().usage(customerID, now), nil
}
