// Package quota coordinates coupon usage reservations so that usage_limit and
// usage_limit_per_customer are never oversold.
//
// A reservation moves through pending -> committed | released | expired.
// Pending and committed reservations both count against the limits; a
// pending reservation past its TTL is reclaimed lazily by the next operation
// that touches the same coupon, so no timer goroutine is involved.
package quota

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

// Store errors. Stores return these (possibly wrapped); the Coordinator maps
// them onto the pricing error taxonomy.
var (
	// ErrGlobalLimit means usage_limit has no free slot.
	ErrGlobalLimit = errors.New("global usage limit reached")
	// ErrCustomerLimit means the customer has no free slot.
	ErrCustomerLimit = errors.New("per-customer usage limit reached")
	// ErrContention is a retryable conflict with a concurrent writer.
	ErrContention = errors.New("quota update contention")
	// ErrNotFound means the reservation id is unknown.
	ErrNotFound = errors.New("reservation not found")
	// ErrExpired means a commit arrived after the reservation stopped being
	// held (TTL elapsed or released).
	ErrExpired = errors.New("reservation expired")
)

// Limits are the quota ceilings of a coupon at reservation time.
type Limits struct {
	// Global is usage_limit; nil means unlimited.
	Global *int
	// PerCustomer is usage_limit_per_customer.
	PerCustomer int
}

// Usage is a point-in-time snapshot of consumed slots. It is advisory only.
type Usage struct {
	GlobalUsed   int
	CustomerUsed int
}

// GlobalRemaining reports whether l leaves a global slot free at u.
func (l Limits) GlobalRemaining(u Usage) bool {
	return l.Global == nil || u.GlobalUsed < *l.Global
}

// CustomerRemaining reports whether l leaves a per-customer slot free at u.
func (l Limits) CustomerRemaining(u Usage) bool {
	return u.CustomerUsed < l.PerCustomer
}

// Reservation is a time-bounded hold on one unit of coupon quota.
type Reservation struct {
	ID         string
	CouponCode string
	CustomerID string
	Status     Status
	ReservedAt time.Time
	ExpiresAt  time.Time
	OrderID    string
}

// Expired reports whether a pending reservation is past its TTL at now.
func (r *Reservation) Expired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// ReserveParams is the input of Store.Reserve.
type ReserveParams struct {
	ID         string
	CouponCode string
	CustomerID string
	Limits     Limits
	Now        time.Time
	ExpiresAt  time.Time
}

// Outcome describes what a Commit or Release actually did, so callers can
// keep those operations idempotent without a second round trip.
type Outcome int

const (
	// OutcomeApplied means the state transition happened now.
	OutcomeApplied Outcome = iota
	// OutcomeNoop means the reservation was already in a state where the
	// call has no effect.
	OutcomeNoop
)

// Store is the shared, linearizable counter store. Every method must be a
// single atomic step with respect to other calls for the same coupon.
type Store interface {
	// Reserve reclaims expired pending reservations of the coupon, then
	// checks both limits and increments both counters, or fails with
	// ErrGlobalLimit / ErrCustomerLimit without changing anything.
	Reserve(ctx context.Context, p ReserveParams) (*Reservation, error)
	// Commit marks a pending, unexpired reservation committed. A committed
	// one yields OutcomeNoop. A pending one past its TTL is reclaimed and
	// reported as ErrExpired with OutcomeApplied; a released or expired one
	// is reported as ErrExpired with OutcomeNoop. The reservation is returned
	// alongside ErrExpired.
	Commit(ctx context.Context, id, orderID string, now time.Time) (*Reservation, Outcome, error)
	// Release returns a pending reservation's slots. Anything else yields
	// OutcomeNoop.
	Release(ctx context.Context, id string, now time.Time) (*Reservation, Outcome, error)
	// Usage returns a non-locking snapshot for the advisory pre-check.
	// Pending reservations past their TTL at now are not counted.
	Usage(ctx context.Context, couponCode, customerID string, now time.Time) (Usage, error)
}
