//go:build integration

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/storage/postgres"
	"github.com/xenking/backoffice-pricing/internal/testutil"
)

var stack *testutil.Stack

// Response types are local to keep the tests black-box.

type resolveResponse struct {
	Subtotal             string `json:"subtotal"`
	DiscountSource       string `json:"discount_source"`
	DiscountAmount       string `json:"discount_amount"`
	Total                string `json:"total"`
	CouponCode           string `json:"coupon_code"`
	ReservationID        string `json:"reservation_id"`
	ReservationExpiresAt string `json:"reservation_expires_at"`
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	stack, err = testutil.Up(ctx)
	if err != nil {
		log.Fatalf("stack: %v", err)
	}
	defer func() {
		if err := stack.Down(context.Background()); err != nil {
			log.Printf("compose down: %v", err)
		}
	}()

	return m.Run()
}

func startServer(t *testing.T, backend string) (*httptest.Server, *service) {
	t.Helper()
	cfg := &Config{
		DatabaseURL: stack.PostgresURL,
		Quota: QuotaConfig{
			Backend:        backend,
			ReservationTTL: time.Minute,
			MaxRetries:     10,
		},
		Redis:     RedisConfig{URL: stack.RedisURL, KeyPrefix: "it:" + t.Name()},
		Pricing:   PricingConfig{LookupRetries: 1},
		RateLimit: RateLimitConfig{Rate: 10_000, Burst: 10_000, IdleTTL: time.Minute},
	}
	svc, err := setup(context.Background(), zap.NewNop(), tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider(), cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	seed(t, svc)
	srv := httptest.NewServer(svc.handler)
	t.Cleanup(srv.Close)
	return srv, svc
}

func seed(t *testing.T, svc *service) {
	t.Helper()
	ctx := context.Background()
	catalogs := postgres.NewCatalogRepository(svc.pool)
	require.NoError(t, catalogs.UpsertCategory(ctx, "nails", "Nails"))
	require.NoError(t, catalogs.UpsertService(ctx, catalog.Service{
		ID: "it-manicure", Name: "Manicure", CategoryID: "nails", Price: decimal.RequireFromString("40.00"),
	}))
}

// createCoupon writes a fresh rule with a unique code so tests sharing the
// database do not contend on quota.
func createCoupon(t *testing.T, svc *service, limit int) string {
	t.Helper()
	code := fmt.Sprintf("IT%d", time.Now().UnixNano())
	def := coupon.Definition{
		Code:          code,
		Description:   "integration",
		DiscountType:  coupon.DiscountFixed,
		DiscountValue: decimal.RequireFromString("5.00"),
		UsageLimit:    &limit,
		StartDate:     time.Now().Add(-time.Hour),
		EndDate:       time.Now().Add(24 * time.Hour),
	}
	rule, err := def.Rule()
	require.NoError(t, err)
	require.NoError(t, postgres.NewCouponRepository(svc.pool).Upsert(context.Background(), rule))
	return code
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func resolveBody(customerID, code string) map[string]any {
	return map[string]any{
		"customer_id": customerID,
		"items":       []map[string]any{{"catalog_item_id": "it-manicure", "item_kind": "service", "quantity": 1}},
		"coupon_code": code,
	}
}

func TestPricingFlow(t *testing.T) {
	for _, backend := range []string{BackendPostgres, BackendRedis} {
		t.Run(backend, func(t *testing.T) {
			srv, svc := startServer(t, backend)
			code := createCoupon(t, svc, 1)

			resp, body := postJSON(t, srv, "/pricing/resolve", resolveBody("it-cust-1", code))
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			var res resolveResponse
			require.NoError(t, json.Unmarshal(body, &res))
			assert.Equal(t, "40.00", res.Subtotal)
			assert.Equal(t, "coupon", res.DiscountSource)
			assert.Equal(t, "5.00", res.DiscountAmount)
			assert.Equal(t, "35.00", res.Total)
			require.NotEmpty(t, res.ReservationID)

			// The only slot is held.
			resp, body = postJSON(t, srv, "/pricing/resolve", resolveBody("it-cust-2", code))
			assert.Equal(t, http.StatusConflict, resp.StatusCode)
			var e errorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, "UsageLimitExceeded", e.ErrorKind)

			commit := "/internal/reservations/" + res.ReservationID + "/commit"
			for range 2 {
				resp, body = postJSON(t, srv, commit, map[string]string{"order_id": "it-order-1"})
				assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			}
			resp, _ = postJSON(t, srv, "/internal/reservations/"+res.ReservationID+"/release", nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			// Release after commit did not free the slot.
			resp, _ = postJSON(t, srv, "/pricing/resolve", resolveBody("it-cust-3", code))
			assert.Equal(t, http.StatusConflict, resp.StatusCode)
		})
	}
}

func TestPricingFlow_ReleaseFreesSlot(t *testing.T) {
	srv, svc := startServer(t, BackendPostgres)
	code := createCoupon(t, svc, 1)

	resp, body := postJSON(t, srv, "/pricing/resolve", resolveBody("it-cust-1", code))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res resolveResponse
	require.NoError(t, json.Unmarshal(body, &res))

	resp, _ = postJSON(t, srv, "/internal/reservations/"+res.ReservationID+"/release", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = postJSON(t, srv, "/pricing/resolve", resolveBody("it-cust-2", code))
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestPricingFlow_ConcurrentCheckouts(t *testing.T) {
	const limit, checkouts = 3, 12
	srv, svc := startServer(t, BackendPostgres)
	code := createCoupon(t, svc, limit)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = make(map[int]int)
	)
	for i := range checkouts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _ := json.Marshal(resolveBody(fmt.Sprintf("it-cc-%d", i), code))
			resp, err := srv.Client().Post(srv.URL+"/pricing/resolve", "application/json", bytes.NewReader(data))
			if err != nil {
				return
			}
			_ = resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, statuses[http.StatusOK])
	assert.Equal(t, checkouts-limit, statuses[http.StatusConflict])
}

func TestPricingFlow_Errors(t *testing.T) {
	srv, _ := startServer(t, BackendPostgres)

	resp, body := postJSON(t, srv, "/pricing/resolve", resolveBody("it-cust-1", "NO-SUCH-CODE"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "InvalidCouponCode")

	resp, body = postJSON(t, srv, "/internal/reservations/00000000-0000-0000-0000-000000000000/commit",
		map[string]string{"order_id": "o"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "ReservationNotFound")

	resp, body = postJSON(t, srv, "/pricing/resolve", map[string]any{
		"customer_id": "it-cust-1",
		"items":       []map[string]any{{"catalog_item_id": "nope", "item_kind": "service", "quantity": 1}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "CatalogItemNotFound")
}
