package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, endpoint http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		runs       int
		wantStatus int
	}{
		{name: "starts healthy", runs: 0, wantStatus: http.StatusOK},
		{name: "below failure threshold", runs: DefaultFailureThreshold - 1, wantStatus: http.StatusOK},
		{name: "at failure threshold", runs: DefaultFailureThreshold, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			h.AddLivenessCheck("postgres", time.Second, failing("connection refused"))
			runN(h.checks[Liveness][0], tt.runs)

			code, body := serve(t, h.LiveEndpoint)
			assert.Equal(t, tt.wantStatus, code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "unhealthy", body.Status)
				assert.Equal(t, "connection refused", body.Checks["postgres"])
			}
		})
	}
}

func TestLiveEndpoint_NoChecks(t *testing.T) {
	code, body := serve(t, New().LiveEndpoint)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.AddReadinessCheck("redis", time.Second, failing("i/o timeout"))

	code, body := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "_readiness")

	h.SetReady(true)
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)

	runN(h.checks[Readiness][1], DefaultFailureThreshold)
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "i/o timeout", body.Checks["redis"])
	assert.NotContains(t, body.Checks, "postgres")
	assert.NotContains(t, body.Checks, "_readiness")

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())

	assert.False(t, h.IsReady())
	h.SetReady(true)
	assert.True(t, h.IsReady())
}

func TestWithThresholds(t *testing.T) {
	down := true
	h := New()
	h.AddReadinessCheck("redis", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(1, 2))
	c := h.checks[Readiness][0]

	runN(c, 1)
	assert.False(t, c.isHealthy(), "one failure is enough")

	down = false
	runN(c, 1)
	assert.False(t, c.isHealthy(), "needs two passes")
	runN(c, 1)
	assert.True(t, c.isHealthy())
}

func TestWithThresholds_IgnoresNonPositive(t *testing.T) {
	h := New()
	h.AddLivenessCheck("x", time.Second, passing(), WithThresholds(0, -1))
	c := h.checks[Liveness][0]

	assert.Equal(t, DefaultFailureThreshold, c.failureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, c.successThreshold)
}

func TestCheck_LastError(t *testing.T) {
	h := New()
	h.AddLivenessCheck("postgres", time.Second, failing("timeout"))
	c := h.checks[Liveness][0]

	assert.Nil(t, c.lastError())
	c.run(context.Background())
	assert.EqualError(t, c.lastError(), "timeout")
}

func TestCheck_Timeout(t *testing.T) {
	h := New()
	h.AddLivenessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := h.checks[Liveness][0]

	c.run(context.Background())
	assert.ErrorIs(t, c.lastError(), context.DeadlineExceeded)
}

func TestStartStop_Concurrent(t *testing.T) {
	h := New()
	h.AddLivenessCheck("flaky", time.Second, failing("err"))
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(pinger{})(context.Background()))

	err := PingCheck(pinger{err: errors.New("refused")})(context.Background())
	assert.ErrorContains(t, err, "refused")
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	assert.ErrorContains(t, err, "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}
