// Package redis implements quota.Store on Redis with Lua scripts, for
// deployments that share quota across pricing instances without routing
// reservations through PostgreSQL.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

const (
	DefaultPrefix    = "pricing:quota"
	DefaultRetention = 7 * 24 * time.Hour
)

var _ quota.Store = (*QuotaStore)(nil)

// QuotaStore keeps each coupon's counters under a shared hash tag so that
// a single script call updates them atomically. Reservation ids are
// resolved to their coupon through an index key.
type QuotaStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewQuotaStore returns a QuotaStore. Empty prefix and zero retention fall
// back to DefaultPrefix and DefaultRetention. Retention bounds how long
// released and expired reservations stay readable.
func NewQuotaStore(client redis.UniversalClient, prefix string, retention time.Duration) *QuotaStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &QuotaStore{client: client, prefix: prefix, retention: retention}
}

func (s *QuotaStore) couponKeys(code string) []string {
	tag := fmt.Sprintf("%s:{%s}", s.prefix, code)
	return []string{tag + ":used", tag + ":customers", tag + ":pending"}
}

func (s *QuotaStore) reservationPrefix(code string) string {
	return fmt.Sprintf("%s:{%s}:reservation:", s.prefix, code)
}

func (s *QuotaStore) indexPrefix() string {
	return s.prefix + ":index:"
}

func (s *QuotaStore) args(code string, now time.Time, id string) []any {
	return []any{
		s.reservationPrefix(code),
		now.UnixMilli(),
		s.retention.Milliseconds(),
		s.indexPrefix(),
		id,
	}
}

func (s *QuotaStore) Reserve(ctx context.Context, p quota.ReserveParams) (*quota.Reservation, error) {
	global := -1
	if p.Limits.Global != nil {
		global = *p.Limits.Global
	}
	args := append(s.args(p.CouponCode, p.Now, p.ID),
		p.CustomerID, global, p.Limits.PerCustomer, p.ExpiresAt.UnixMilli(), p.CouponCode,
	)

	code, err := reserveScript.Run(ctx, s.client, s.couponKeys(p.CouponCode), args...).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "reserve %s", p.CouponCode)
	}
	switch code {
	case 0:
	case 1:
		return nil, quota.ErrGlobalLimit
	case 2:
		return nil, quota.ErrCustomerLimit
	default:
		return nil, errors.Errorf("unexpected reserve reply %d", code)
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

func (s *QuotaStore) transition(ctx context.Context, id, action, orderID string, now time.Time) (*quota.Reservation, string, error) {
	code, err := s.client.Get(ctx, s.indexPrefix()+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", quota.ErrNotFound
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "resolve reservation %s", id)
	}

	args := append(s.args(code, now, id), action, orderID)
	reply, err := transitionScript.Run(ctx, s.client, s.couponKeys(code), args...).StringSlice()
	if err != nil {
		return nil, "", errors.Wrapf(err, "%s reservation %s", action, id)
	}
	if len(reply) == 1 && reply[0] == "notfound" {
		return nil, "", quota.ErrNotFound
	}
	if len(reply) != 6 {
		return nil, "", errors.Errorf("unexpected %s reply shape: %d fields", action, len(reply))
	}

	r := &quota.Reservation{
		ID:         id,
		CouponCode: code,
		Status:     quota.Status(reply[1]),
		CustomerID: reply[2],
		OrderID:    reply[5],
	}
	if r.ReservedAt, err = parseMillis(reply[3]); err != nil {
		return nil, "", errors.Wrap(err, "reserved_at")
	}
	if r.ExpiresAt, err = parseMillis(reply[4]); err != nil {
		return nil, "", errors.Wrap(err, "expires_at")
	}
	return r, reply[0], nil
}

func (s *QuotaStore) Commit(ctx context.Context, id, orderID string, now time.Time) (*quota.Reservation, quota.Outcome, error) {
	r, result, err := s.transition(ctx, id, "commit", orderID, now)
	if err != nil {
		return nil, quota.OutcomeNoop, err
	}
	switch result {
	case "applied":
		return r, quota.OutcomeApplied, nil
	case "expired_applied":
		return r, quota.OutcomeApplied, quota.ErrExpired
	case "expired_noop":
		return r, quota.OutcomeNoop, quota.ErrExpired
	default:
		return r, quota.OutcomeNoop, nil
	}
}

func (s *QuotaStore) Release(ctx context.Context, id string, now time.Time) (*quota.Reservation, quota.Outcome, error) {
	r, result, err := s.transition(ctx, id, "release", "", now)
	if err != nil {
		return nil, quota.OutcomeNoop, err
	}
	if result == "applied" {
		return r, quota.OutcomeApplied, nil
	}
	return r, quota.OutcomeNoop, nil
}

func (s *QuotaStore) Usage(ctx context.Context, code, customerID string, now time.Time) (quota.Usage, error) {
	vals, err := usageScript.Run(ctx, s.client, s.couponKeys(code),
		s.reservationPrefix(code), now.UnixMilli(), customerID,
	).Int64Slice()
	if err != nil {
		return quota.Usage{}, errors.Wrapf(err, "usage %s", code)
	}
	if len(vals) != 2 {
		return quota.Usage{}, errors.Errorf("unexpected usage reply shape: %d fields", len(vals))
	}
	return quota.Usage{GlobalUsed: int(vals[0]), CustomerUsed: int(vals[1])}, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
