package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/pricing"
	"github.com/xenking/backoffice-pricing/internal/events"
	"github.com/xenking/backoffice-pricing/internal/handler"
	"github.com/xenking/backoffice-pricing/internal/storage/memory"
	"github.com/xenking/backoffice-pricing/pkg/health"
	"github.com/xenking/backoffice-pricing/pkg/httpmiddleware"
)

type stubPricer struct{}

func (stubPricer) Price(context.Context, pricing.Request) (*pricing.Result, error) {
	return nil, fault.ErrInvalidCouponCode
}

func (stubPricer) AvailableCoupons(context.Context, pricing.Request) ([]pricing.Suggestion, error) {
	return nil, nil
}

func (stubPricer) Commit(context.Context, string, string) error { return nil }

func (stubPricer) Release(context.Context, string) error { return nil }

func testRouter(t *testing.T, burst int) (http.Handler, *health.Health) {
	t.Helper()
	hc := health.New()
	cfg := &Config{
		CORS:      CORSConfig{Origins: []string{"https://book.example.com"}},
		RateLimit: RateLimitConfig{Rate: 0.001, Burst: burst, IdleTTL: time.Minute},
	}
	r := newRouter(zap.NewNop(), tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider(),
		cfg, hc, handler.NewHandler(stubPricer{}))
	return r, hc
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("Origin", "https://book.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_PricingRoutes(t *testing.T) {
	r, _ := testRouter(t, 10)

	w := post(r, "/pricing/resolve", `{"customer_id":"c","items":[],"coupon_code":"NOPE"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error_kind":"InvalidCouponCode"`)
	assert.NotEmpty(t, w.Header().Get(httpmiddleware.RequestIDHeader))
	assert.Equal(t, "https://book.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = post(r, "/internal/reservations/res-1/release", ``)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RateLimitsPricingOnly(t *testing.T) {
	r, hc := testRouter(t, 1)
	hc.SetReady(true)

	assert.Equal(t, http.StatusOK, post(r, "/internal/reservations/a/release", ``).Code)
	limited := post(r, "/internal/reservations/a/release", ``)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), "RateLimited")

	for range 3 {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRouter_Probes(t *testing.T) {
	r, hc := testRouter(t, 10)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hc.SetReady(true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewQuotaStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg := &Config{Quota: QuotaConfig{Backend: BackendMemory}}
		store, closeFn, err := newQuotaStore(cfg, nil, health.New())
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &memory.QuotaStore{}, store)
	})
	t.Run("redis registers readiness check", func(t *testing.T) {
		hc := health.New()
		cfg := &Config{
			Quota: QuotaConfig{Backend: BackendRedis},
			Redis: RedisConfig{URL: "redis://localhost:6379/0", KeyPrefix: "pricing:quota"},
		}
		store, closeFn, err := newQuotaStore(cfg, nil, hc)
		require.NoError(t, err)
		defer closeFn()
		assert.NotNil(t, store)

		hc.SetReady(true)
		assert.True(t, hc.IsReady(), "checks start healthy")
	})
	t.Run("bad redis url", func(t *testing.T) {
		cfg := &Config{Quota: QuotaConfig{Backend: BackendRedis}, Redis: RedisConfig{URL: "http://nope"}}
		_, _, err := newQuotaStore(cfg, nil, health.New())
		assert.ErrorContains(t, err, "parse redis url")
	})
}

func TestNewPublisher_Disabled(t *testing.T) {
	p, closeFn, err := newPublisher(zap.NewNop(), EventsConfig{})
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, events.Nop{}, p)
}
