package quota_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
	"github.com/xenking/backoffice-pricing/internal/events"
	"github.com/xenking/backoffice-pricing/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ events.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return p.err
}

func (p *recordingPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// contendedStore fails every Reserve with ErrContention.
type contendedStore struct {
	quota.Store
	calls atomic.Int32
}

func (s *contendedStore) Reserve(context.Context, quota.ReserveParams) (*quota.Reservation, error) {
	s.calls.Add(1)
	return nil, quota.ErrContention
}

type failingStore struct {
	quota.Store
	err error
}

func (s *failingStore) Reserve(context.Context, quota.ReserveParams) (*quota.Reservation, error) {
	return nil, s.err
}

func limit(n int) *int { return &n }

func newCoordinator(t *testing.T, store quota.Store, clk *clock, pub events.Publisher) *quota.Coordinator {
	t.Helper()
	c, err := quota.NewCoordinator(store, quota.Options{
		TTL:                  15 * time.Minute,
		MaxRetries:           5,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		Now:                  clk.Now,
		Publisher:            pub,
	})
	require.NoError(t, err)
	return c
}

func TestCoordinator_ConcurrentReserve(t *testing.T) {
	const (
		n = 5
		m = 40
	)
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	c := newCoordinator(t, memory.NewQuotaStore(), clk, nil)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for i := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Reserve(ctx, "SPRING10", fmt.Sprintf("c-%d", i), quota.Limits{Global: limit(n), PerCustomer: 1})
			if err == nil {
				ok.Add(1)
				return
			}
			if assert.ErrorIs(t, err, fault.ErrUsageLimitExceeded) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, n, ok.Load())
	assert.EqualValues(t, m-n, rejected.Load())

	u, err := c.Usage(ctx, "SPRING10", "c-0")
	require.NoError(t, err)
	assert.Equal(t, n, u.GlobalUsed)
}

func TestCoordinator_ReserveSetsTTL(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	c := newCoordinator(t, memory.NewQuotaStore(), clk, nil)

	r, err := c.Reserve(context.Background(), "SPRING10", "c-1", quota.Limits{PerCustomer: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, clk.Now(), r.ReservedAt)
	assert.Equal(t, clk.Now().Add(15*time.Minute), r.ExpiresAt)
}

func TestCoordinator_ReserveErrors(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		want     error
	}{
		{name: "global limit", storeErr: quota.ErrGlobalLimit, want: fault.ErrUsageLimitExceeded},
		{name: "customer limit", storeErr: errors.Wrap(quota.ErrCustomerLimit, "slot"), want: fault.ErrPerCustomerLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &clock{now: time.Now()}
			c := newCoordinator(t, &failingStore{err: tt.storeErr}, clk, nil)

			_, err := c.Reserve(context.Background(), "X", "c", quota.Limits{PerCustomer: 1})
			require.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("infrastructure error is not classified", func(t *testing.T) {
		c := newCoordinator(t, &failingStore{err: errors.New("conn reset")}, &clock{now: time.Now()}, nil)

		_, err := c.Reserve(context.Background(), "X", "c", quota.Limits{PerCustomer: 1})
		require.Error(t, err)
		assert.False(t, fault.IsRule(err))
	})
}

func TestCoordinator_ContentionExhaustsRetries(t *testing.T) {
	store := &contendedStore{}
	c := newCoordinator(t, store, &clock{now: time.Now()}, nil)

	_, err := c.Reserve(context.Background(), "X", "c", quota.Limits{PerCustomer: 1})
	require.ErrorIs(t, err, fault.ErrConcurrentReservationConflict)
	assert.EqualValues(t, 6, store.calls.Load())
}

func TestCoordinator_CommitIsIdempotent(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	c := newCoordinator(t, memory.NewQuotaStore(), clk, pub)
	ctx := context.Background()

	r, err := c.Reserve(ctx, "SPRING10", "c-1", quota.Limits{Global: limit(3), PerCustomer: 1})
	require.NoError(t, err)

	require.NoError(t, c.Commit(ctx, r.ID, "order-1"))
	require.NoError(t, c.Commit(ctx, r.ID, "order-1"))

	u, err := c.Usage(ctx, "SPRING10", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.GlobalUsed)
	assert.Equal(t, []string{events.ReservationCommitted}, pub.Keys())

	// A committed reservation cannot be released.
	require.NoError(t, c.Release(ctx, r.ID))
	u, err = c.Usage(ctx, "SPRING10", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.GlobalUsed)
}

func TestCoordinator_ReleaseRestoresSlot(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{err: errors.New("broker down")}
	c := newCoordinator(t, memory.NewQuotaStore(), clk, pub)
	ctx := context.Background()
	limits := quota.Limits{Global: limit(1), PerCustomer: 1}

	r, err := c.Reserve(ctx, "ONCE", "c-1", limits)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, r.ID))
	require.NoError(t, c.Release(ctx, r.ID))
	assert.Equal(t, []string{events.ReservationReleased}, pub.Keys())

	_, err = c.Reserve(ctx, "ONCE", "c-2", limits)
	require.NoError(t, err)
}

func TestCoordinator_ExpiredReservation(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	c := newCoordinator(t, memory.NewQuotaStore(), clk, pub)
	ctx := context.Background()
	limits := quota.Limits{Global: limit(1), PerCustomer: 1}

	first, err := c.Reserve(ctx, "ONCE", "c-1", limits)
	require.NoError(t, err)

	_, err = c.Reserve(ctx, "ONCE", "c-2", limits)
	require.ErrorIs(t, err, fault.ErrUsageLimitExceeded)

	clk.Advance(16 * time.Minute)

	_, err = c.Reserve(ctx, "ONCE", "c-2", limits)
	require.NoError(t, err)

	err = c.Commit(ctx, first.ID, "order-1")
	require.ErrorIs(t, err, fault.ErrReservationExpiredBeforeCommit)
}

func TestCoordinator_CommitPastTTL(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	c := newCoordinator(t, memory.NewQuotaStore(), clk, pub)
	ctx := context.Background()

	r, err := c.Reserve(ctx, "ONCE", "c-1", quota.Limits{Global: limit(1), PerCustomer: 1})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	require.ErrorIs(t, c.Commit(ctx, r.ID, "order-1"), fault.ErrReservationExpiredBeforeCommit)
	assert.Equal(t, []string{events.ReservationExpired}, pub.Keys())

	u, err := c.Usage(ctx, "ONCE", "c-1")
	require.NoError(t, err)
	assert.Zero(t, u.GlobalUsed)
}

func TestCoordinator_UnknownReservation(t *testing.T) {
	c := newCoordinator(t, memory.NewQuotaStore(), &clock{now: time.Now()}, nil)
	ctx := context.Background()

	require.ErrorIs(t, c.Commit(ctx, "nope", "order-1"), fault.ErrReservationNotFound)
	require.ErrorIs(t, c.Release(ctx, "nope"), fault.ErrReservationNotFound)
}
