package quota

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/events"
)

// DefaultTTL is how long a pending reservation holds its slots.
const DefaultTTL = 15 * time.Minute

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	TTL                  time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	Publisher      events.Publisher
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 10 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
}

// Coordinator is the only entry point to quota state. It owns reservation
// ids and TTLs, retries store contention and translates store errors into
// fault kinds.
type Coordinator struct {
	store Store
	opts  Options

	now   func() time.Time
	newID func() string

	tracer       trace.Tracer
	reservations metric.Int64Counter
	transitions  metric.Int64Counter
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store Store, opts Options) (*Coordinator, error) {
	opts.setDefaults()

	meter := opts.MeterProvider.Meter("pricing/quota")
	reservations, err := meter.Int64Counter("pricing.quota.reservations",
		metric.WithDescription("Reservation attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "reservations counter")
	}
	transitions, err := meter.Int64Counter("pricing.quota.transitions",
		metric.WithDescription("Reservation state transitions"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}

	return &Coordinator{
		store:        store,
		opts:         opts,
		now:          opts.Now,
		newID:        func() string { return uuid.New().String() },
		tracer:       opts.TracerProvider.Tracer("pricing/quota"),
		reservations: reservations,
		transitions:  transitions,
	}, nil
}

func (c *Coordinator) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitialInterval
	b.MaxInterval = c.opts.RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)
}

// Reserve atomically takes one global and one per-customer slot of the
// coupon. Store contention is retried; a reserve that cannot prove success
// never leaves a slot taken.
func (c *Coordinator) Reserve(ctx context.Context, code, customerID string, limits Limits) (*Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "quota.Reserve",
		trace.WithAttributes(attribute.String("coupon.code", code)),
	)
	defer span.End()

	id := c.newID()
	attempts := 0
	res, err := backoff.RetryWithData(func() (*Reservation, error) {
		attempts++
		now := c.now()
		r, err := c.store.Reserve(ctx, ReserveParams{
			ID:         id,
			CouponCode: code,
			CustomerID: customerID,
			Limits:     limits,
			Now:        now,
			ExpiresAt:  now.Add(c.opts.TTL),
		})
		if err != nil && !errors.Is(err, ErrContention) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	}, c.backOff(ctx))

	outcome := "reserved"
	switch {
	case err == nil:
	case errors.Is(err, ErrGlobalLimit):
		outcome = "global_limit"
		err = fault.ErrUsageLimitExceeded
	case errors.Is(err, ErrCustomerLimit):
		outcome = "customer_limit"
		err = fault.ErrPerCustomerLimitExceeded
	case errors.Is(err, ErrContention):
		outcome = "conflict"
		zctx.From(ctx).Warn("Reservation retries exhausted",
			zap.String("coupon", code),
			zap.Int("attempts", attempts),
		)
		err = fault.Wrap(fault.KindConcurrentReservationConflict, err, "could not reserve coupon usage under contention")
	default:
		outcome = "error"
		err = errors.Wrap(err, "reserve")
	}
	c.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("reservation.id", res.ID))
	return res, nil
}

// Commit ties a pending reservation to orderID. Committing twice is a no-op.
func (c *Coordinator) Commit(ctx context.Context, id, orderID string) error {
	ctx, span := c.tracer.Start(ctx, "quota.Commit",
		trace.WithAttributes(attribute.String("reservation.id", id)),
	)
	defer span.End()

	r, outcome, err := c.store.Commit(ctx, id, orderID, c.now())
	switch {
	case err == nil:
		if outcome == OutcomeApplied {
			c.emit(ctx, events.ReservationCommitted, r)
		}
		return nil
	case errors.Is(err, ErrNotFound):
		return fault.ErrReservationNotFound
	case errors.Is(err, ErrExpired):
		if r != nil && outcome == OutcomeApplied {
			c.emit(ctx, events.ReservationExpired, r)
		}
		return fault.ErrReservationExpiredBeforeCommit
	default:
		span.RecordError(err)
		return errors.Wrap(err, "commit")
	}
}

// Release returns a pending reservation's slots to the pool. Releasing a
// committed, released or expired reservation is a no-op.
func (c *Coordinator) Release(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "quota.Release",
		trace.WithAttributes(attribute.String("reservation.id", id)),
	)
	defer span.End()

	r, outcome, err := c.store.Release(ctx, id, c.now())
	switch {
	case err == nil:
		if outcome == OutcomeApplied {
			c.emit(ctx, events.ReservationReleased, r)
		}
		return nil
	case errors.Is(err, ErrNotFound):
		return fault.ErrReservationNotFound
	default:
		span.RecordError(err)
		return errors.Wrap(err, "release")
	}
}

// Usage returns the advisory usage snapshot of a coupon for a customer.
func (c *Coordinator) Usage(ctx context.Context, code, customerID string) (Usage, error) {
	u, err := c.store.Usage(ctx, code, customerID, c.now())
	if err != nil {
		return Usage{}, errors.Wrap(err, "usage")
	}
	return u, nil
}

func (c *Coordinator) emit(ctx context.Context, key string, r *Reservation) {
	c.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", key)))
	if r == nil {
		return
	}

	ev := events.ReservationEvent{
		ReservationID: r.ID,
		CouponCode:    r.CouponCode,
		CustomerID:    r.CustomerID,
		OrderID:       r.OrderID,
		At:            c.now(),
	}
	if err := c.opts.Publisher.Publish(ctx, key, ev); err != nil {
		zctx.From(ctx).Warn("Publish reservation event",
			zap.String("key", key),
			zap.String("reservation", r.ID),
			zap.Error(err),
		)
	}
}
