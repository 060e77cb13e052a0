package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
)

type countingRepo struct {
	calls   atomic.Int32
	delay   time.Duration
	rules   map[string]*coupon.Rule
	failErr error
}

func (c *countingRepo) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	c.calls.Add(1)
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.failErr != nil {
		return nil, c.failErr
	}
	r, ok := c.rules[code]
	if !ok {
		return nil, fault.ErrInvalidCouponCode
	}
	return r, nil
}

func (c *countingRepo) ListPublic(_ context.Context, _ time.Time) ([]*coupon.Rule, error) {
	c.calls.Add(1)
	return []*coupon.Rule{c.rules["SPRING10"]}, nil
}

func newRepo() *countingRepo {
	return &countingRepo{rules: map[string]*coupon.Rule{
		"SPRING10": {Code: "SPRING10", Description: "Spring sale"},
	}}
}

func TestCouponRepository_CachesHits(t *testing.T) {
	next := newRepo()
	r := NewCouponRepository(next, time.Minute)
	ctx := context.Background()

	for range 3 {
		got, err := r.FindByCode(ctx, "SPRING10")
		require.NoError(t, err)
		assert.Equal(t, "Spring sale", got.Description)
	}
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestCouponRepository_CachesUnknownCodes(t *testing.T) {
	next := newRepo()
	r := NewCouponRepository(next, time.Minute)
	ctx := context.Background()

	for range 3 {
		_, err := r.FindByCode(ctx, "NOPE")
		require.ErrorIs(t, err, fault.ErrInvalidCouponCode)
	}
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestCouponRepository_DoesNotCacheFailures(t *testing.T) {
	next := newRepo()
	next.failErr = errors.New("connection refused")
	r := NewCouponRepository(next, time.Minute)
	ctx := context.Background()

	_, err := r.FindByCode(ctx, "SPRING10")
	require.Error(t, err)
	assert.False(t, fault.IsRule(err))

	next.failErr = nil
	got, err := r.FindByCode(ctx, "SPRING10")
	require.NoError(t, err)
	assert.Equal(t, "SPRING10", got.Code)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCouponRepository_CollapsesConcurrentMisses(t *testing.T) {
	next := newRepo()
	next.delay = 50 * time.Millisecond
	r := NewCouponRepository(next, time.Minute)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.FindByCode(context.Background(), "SPRING10")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, next.calls.Load(), int32(2))
}

func TestCouponRepository_CanceledCallerDoesNotFailPeers(t *testing.T) {
	next := newRepo()
	next.delay = 100 * time.Millisecond
	r := NewCouponRepository(next, time.Minute)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.FindByCode(first, "SPRING10")
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	peerErr := make(chan error, 1)
	go func() {
		_, err := r.FindByCode(context.Background(), "SPRING10")
		peerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-peerErr)

	// The shared lookup completed and populated the cache.
	got, err := r.FindByCode(context.Background(), "SPRING10")
	require.NoError(t, err)
	assert.Equal(t, "SPRING10", got.Code)
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestCouponRepository_ListPublicPassesThrough(t *testing.T) {
	next := newRepo()
	r := NewCouponRepository(next, 0)

	for range 2 {
		rules, err := r.ListPublic(context.Background(), time.Now())
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	}
	assert.EqualValues(t, 2, next.calls.Load())
	assert.Equal(t, DefaultTTL, r.ttl)
}
