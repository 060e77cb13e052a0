package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

const (
	// lockCouponSQL is taken first by every operation so that all writers of
	// a coupon acquire row locks in the same order: coupon, reservation,
	// per-customer usage.
	lockCouponSQL = `SELECT code FROM coupons WHERE code = $1 FOR UPDATE`

	reservationCouponSQL = `SELECT coupon_code FROM coupon_reservations WHERE id = $1`

	// reclaimExpiredSQL expires the coupon's pending reservations past their
	// TTL and returns their slots.
	reclaimExpiredSQL = `WITH expired AS (
			UPDATE coupon_reservations SET status = 'expired', updated_at = $2
			WHERE coupon_code = $1 AND status = 'pending' AND expires_at < $2
			RETURNING customer_id
		), per_customer AS (
			UPDATE coupon_customer_usage u SET used = u.used - e.n
			FROM (SELECT customer_id, count(*) AS n FROM expired GROUP BY customer_id) e
			WHERE u.coupon_code = $1 AND u.customer_id = e.customer_id
		)
		UPDATE coupons SET used_count = used_count - (SELECT count(*) FROM expired)
		WHERE code = $1 AND EXISTS (SELECT 1 FROM expired)`

	takeGlobalSlotSQL = `UPDATE coupons SET used_count = used_count + 1
		WHERE code = $1 AND (usage_limit IS NULL OR used_count < usage_limit)
		RETURNING used_count`

	takeCustomerSlotSQL = `INSERT INTO coupon_customer_usage (coupon_code, customer_id, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (coupon_code, customer_id) DO UPDATE
			SET used = coupon_customer_usage.used + 1
			WHERE coupon_customer_usage.used < $3
		RETURNING used`

	insertReservationSQL = `INSERT INTO coupon_reservations
		(id, coupon_code, customer_id, status, reserved_at, expires_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $4)`

	lockReservationSQL = `SELECT id, coupon_code, customer_id, status, reserved_at, expires_at,
		COALESCE(order_id, '')
		FROM coupon_reservations WHERE id = $1 FOR UPDATE`

	commitReservationSQL = `UPDATE coupon_reservations
		SET status = 'committed', order_id = $2, updated_at = $3
		WHERE id = $1`

	// freeReservationSQL moves a pending reservation to $2 and returns its
	// slots.
	freeReservationSQL = `WITH r AS (
			UPDATE coupon_reservations SET status = $2, updated_at = $3
			WHERE id = $1 AND status = 'pending'
			RETURNING coupon_code, customer_id
		), per_customer AS (
			UPDATE coupon_customer_usage u SET used = u.used - 1
			FROM r WHERE u.coupon_code = r.coupon_code AND u.customer_id = r.customer_id
		)
		UPDATE coupons SET used_count = used_count - 1
		FROM r WHERE coupons.code = r.coupon_code`

	usageSQL = `SELECT
			COALESCE((SELECT used_count FROM coupons WHERE code = $1), 0)
				- (SELECT count(*) FROM coupon_reservations
					WHERE coupon_code = $1 AND status = 'pending' AND expires_at < $3),
			COALESCE((SELECT used FROM coupon_customer_usage
					WHERE coupon_code = $1 AND customer_id = $2), 0)
				- (SELECT count(*) FROM coupon_reservations
					WHERE coupon_code = $1 AND customer_id = $2 AND status = 'pending' AND expires_at < $3)`
)

var _ quota.Store = (*QuotaStore)(nil)

// QuotaStore implements quota.Store with conditional updates. Each
// operation runs in one READ COMMITTED transaction and starts by locking the
// coupon row, which serializes writers of the same coupon.
type QuotaStore struct {
	pool *pgxpool.Pool
}

// NewQuotaStore returns a QuotaStore that uses the given pool.
func NewQuotaStore(pool *pgxpool.Pool) *QuotaStore {
	return &QuotaStore{pool: pool}
}

func (s *QuotaStore) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, fn)
	if err != nil && isContention(err) {
		return errors.Wrap(quota.ErrContention, err.Error())
	}
	return err
}

func (s *QuotaStore) Reserve(ctx context.Context, p quota.ReserveParams) (*quota.Reservation, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, errors.Wrap(err, "reservation id")
	}

	err = s.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockCouponSQL, p.CouponCode); err != nil {
			return errors.Wrap(err, "lock coupon")
		}
		if _, err := tx.Exec(ctx, reclaimExpiredSQL, p.CouponCode, p.Now); err != nil {
			return errors.Wrap(err, "reclaim expired")
		}

		var used int
		err := tx.QueryRow(ctx, takeGlobalSlotSQL, p.CouponCode).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.ErrGlobalLimit
		}
		if err != nil {
			return errors.Wrap(err, "take global slot")
		}

		err = tx.QueryRow(ctx, takeCustomerSlotSQL, p.CouponCode, p.CustomerID, p.Limits.PerCustomer).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.ErrCustomerLimit
		}
		if err != nil {
			return errors.Wrap(err, "take customer slot")
		}

		if _, err := tx.Exec(ctx, insertReservationSQL, id, p.CouponCode, p.CustomerID, p.Now, p.ExpiresAt); err != nil {
			return errors.Wrap(err, "insert reservation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &quota.Reservation{
		ID:         p.ID,
		CouponCode: p.CouponCode,
		CustomerID: p.CustomerID,
		Status:     quota.StatusPending,
		ReservedAt: p.Now,
		ExpiresAt:  p.ExpiresAt,
	}, nil
}

func lockReservation(ctx context.Context, tx pgx.Tx, id string) (*quota.Reservation, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, quota.ErrNotFound
	}

	var code string
	err = tx.QueryRow(ctx, reservationCouponSQL, uid).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quota.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find reservation")
	}
	if _, err := tx.Exec(ctx, lockCouponSQL, code); err != nil {
		return nil, errors.Wrap(err, "lock coupon")
	}

	var (
		r      quota.Reservation
		rid    uuid.UUID
		status string
	)
	err = tx.QueryRow(ctx, lockReservationSQL, uid).Scan(
		&rid, &r.CouponCode, &r.CustomerID, &status, &r.ReservedAt, &r.ExpiresAt, &r.OrderID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quota.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock reservation")
	}
	r.ID = rid.String()
	r.Status = quota.Status(status)
	return &r, nil
}

func freeReservation(ctx context.Context, tx pgx.Tx, r *quota.Reservation, status quota.Status, now time.Time) error {
	uid, err := uuid.Parse(r.ID)
	if err != nil {
		return errors.Wrap(err, "reservation id")
	}
	if _, err := tx.Exec(ctx, freeReservationSQL, uid, string(status), now); err != nil {
		return errors.Wrapf(err, "free reservation as %s", status)
	}
	r.Status = status
	return nil
}

func (s *QuotaStore) Commit(ctx context.Context, id, orderID string, now time.Time) (*quota.Reservation, quota.Outcome, error) {
	var (
		res     *quota.Reservation
		outcome = quota.OutcomeNoop
		expired bool
	)
	err := s.tx(ctx, func(tx pgx.Tx) error {
		r, err := lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		res = r

		switch {
		case r.Status == quota.StatusCommitted:
			return nil
		case r.Status != quota.StatusPending:
			expired = true
			return nil
		case r.Expired(now):
			expired = true
			outcome = quota.OutcomeApplied
			return freeReservation(ctx, tx, r, quota.StatusExpired, now)
		}

		if _, err := tx.Exec(ctx, commitReservationSQL, uuid.MustParse(r.ID), orderID, now); err != nil {
			return errors.Wrap(err, "commit reservation")
		}
		r.Status = quota.StatusCommitted
		r.OrderID = orderID
		outcome = quota.OutcomeApplied
		return nil
	})
	if err != nil {
		return nil, quota.OutcomeNoop, err
	}
	if expired {
		return res, outcome, quota.ErrExpired
	}
	return res, outcome, nil
}

func (s *QuotaStore) Release(ctx context.Context, id string, now time.Time) (*quota.Reservation, quota.Outcome, error) {
	var (
		res     *quota.Reservation
		outcome = quota.OutcomeNoop
	)
	err := s.tx(ctx, func(tx pgx.Tx) error {
		r, err := lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		res = r
		if r.Status != quota.StatusPending {
			return nil
		}
		outcome = quota.OutcomeApplied
		return freeReservation(ctx, tx, r, quota.StatusReleased, now)
	})
	if err != nil {
		return nil, quota.OutcomeNoop, err
	}
	return res, outcome, nil
}

func (s *QuotaStore) Usage(ctx context.Context, code, customerID string, now time.Time) (quota.Usage, error) {
	var u quota.Usage
	if err := s.pool.QueryRow(ctx, usageSQL, code, customerID, now).Scan(&u.GlobalUsed, &u.CustomerUsed); err != nil {
		return quota.Usage{}, errors.Wrap(err, "query usage")
	}
	return u, nil
}
