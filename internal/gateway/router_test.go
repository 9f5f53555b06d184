package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lifecontrol/internal/breaker"
	"lifecontrol/internal/observability"
	"lifecontrol/internal/redisrl"
	"lifecontrol/internal/registry"
	"lifecontrol/internal/routes"
)

type testGateway struct {
	handler  http.Handler
	router   *Router
	breakers *breaker.Registry
	metrics  *observability.Metrics
}

func newTestGateway(t *testing.T, specs []routes.Spec, backends map[string]string, settings breaker.Settings) *testGateway {
	t.Helper()
	reg, err := registry.New(backends)
	require.NoError(t, err)
	table, err := routes.Build(specs, reg, time.Second)
	require.NoError(t, err)
	m := observability.NewMetrics(prometheus.NewRegistry())
	log := zap.NewNop().Sugar()
	breakers, err := breaker.NewRegistry(settings, log, m)
	require.NoError(t, err)
	rt, err := NewRouter(table, breakers, log, m)
	require.NoError(t, err)
	mux := http.NewServeMux()
	rt.Routes(mux)
	return &testGateway{handler: Recover(log, mux), router: rt, breakers: breakers, metrics: m}
}

func (g *testGateway) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func defaultSettings() breaker.Settings {
	return breaker.Settings{FailureThreshold: 3, ResetTimeout: time.Minute}
}

func TestForwardsRequestAndResponseVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/order", r.URL.Path)
		assert.Equal(t, "trace=1", r.URL.RawQuery)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Request-Id"))
		assert.Equal(t, "example.com", r.Header.Get("X-Forwarded-Host"))
		assert.Equal(t, "192.0.2.1", r.Header.Get("X-Forwarded-For"))
		assert.Empty(t, r.Header.Get("Keep-Alive"))
		assert.JSONEq(t, `{"skuCode":"SKU1"}`, string(body))

		w.Header().Set("X-Order", "42")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderNumber":"42"}`))
	}))
	defer backend.Close()

	g := newTestGateway(t, []routes.Spec{{Name: "order_service", Path: "/api/order/**", Backend: "order"}},
		map[string]string{"order": backend.URL}, defaultSettings())

	req := httptest.NewRequest(http.MethodPost, "/api/order?trace=1", strings.NewReader(`{"skuCode":"SKU1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("X-Order"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.JSONEq(t, `{"orderNumber":"42"}`, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.GatewayRequestsTotal.WithLabelValues("order_service", "forwarded")))
}

func TestRewriteReplacesPath(t *testing.T) {
	var gotPath atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		_, _ = w.Write([]byte(`{"openapi":"3.0.1"}`))
	}))
	defer backend.Close()

	g := newTestGateway(t, routes.Default(), map[string]string{
		"product": backend.URL, "order": backend.URL, "inventory": backend.URL, "user": backend.URL,
	}, defaultSettings())

	rec := g.do(http.MethodGet, "/aggregate/order-service/v3/api-docs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api-docs", gotPath.Load())
}

func TestForwardKeepsEncodedPath(t *testing.T) {
	var gotPath atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.EscapedPath())
	}))
	defer backend.Close()

	g := newTestGateway(t, []routes.Spec{{Name: "product_service", Path: "/api/product/**", Backend: "product"}},
		map[string]string{"product": backend.URL}, defaultSettings())

	rec := g.do(http.MethodGet, "/api/product/a%2Fb", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/product/a%2Fb", gotPath.Load())
}

func TestUnmatchedRequestIsNotFound(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer backend.Close()

	g := newTestGateway(t, []routes.Spec{{Name: "inventory_service", Method: "GET", Path: "/api/inventory", Backend: "inventory"}},
		map[string]string{"inventory": backend.URL}, defaultSettings())

	rec := g.do(http.MethodGet, "/api/payments", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), FallbackBody)

	rec = g.do(http.MethodDelete, "/api/inventory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Empty(t, g.breakers.Snapshot(), "unmatched requests never touch a breaker")
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	var hits int32
	var healthy atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("true"))
	}))
	defer backend.Close()

	g := newTestGateway(t, []routes.Spec{{Name: "inv", Path: "/api/inventory/**", Backend: "inventory"}},
		map[string]string{"inventory": backend.URL},
		breaker.Settings{FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond})

	for i := 0; i < 3; i++ {
		rec := g.do(http.MethodGet, "/api/inventory", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, FallbackBody, rec.Body.String())
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, breaker.StateOpen, g.breakers.State("inv"))

	rec := g.do(http.MethodGet, "/api/inventory", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, FallbackBody, rec.Body.String())
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "open breaker must not contact the backend")

	healthy.Store(true)
	time.Sleep(150 * time.Millisecond)

	rec = g.do(http.MethodGet, "/api/inventory", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Body.String())
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
	assert.Equal(t, breaker.StateClosed, g.breakers.State("inv"))
	assert.Equal(t, 4.0, testutil.ToFloat64(g.metrics.GatewayRequestsTotal.WithLabelValues("inv", "fallback")))
}

func TestRoutesHaveIndependentBreakers(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	g := newTestGateway(t, []routes.Spec{
		{Name: "product_service", Path: "/api/product/**", Backend: "product"},
		{Name: "lifecontrol_api", Path: "/api/user/**", Backend: "user"},
	}, map[string]string{"product": down.URL, "user": up.URL}, breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Minute})

	assert.Equal(t, http.StatusServiceUnavailable, g.do(http.MethodGet, "/api/product/1", nil).Code)
	assert.Equal(t, breaker.StateOpen, g.breakers.State("product_service"))
	assert.Equal(t, http.StatusOK, g.do(http.MethodGet, "/api/user/1", nil).Code)
}

func TestTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	g := newTestGateway(t, []routes.Spec{{Name: "slow", Path: "/slow", Backend: "slow", Timeout: 50 * time.Millisecond}},
		map[string]string{"slow": backend.URL}, defaultSettings())

	start := time.Now()
	rec := g.do(http.MethodGet, "/slow", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint32(1), g.breakers.ConsecutiveFailures("slow"))
}

func TestUnreachableBackendIsFailure(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	addr := backend.URL
	backend.Close()

	g := newTestGateway(t, []routes.Spec{{Name: "gone", Path: "/gone/**", Backend: "gone"}},
		map[string]string{"gone": addr}, defaultSettings())

	rec := g.do(http.MethodGet, "/gone/x", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, FallbackBody, rec.Body.String())
	assert.Equal(t, uint32(1), g.breakers.ConsecutiveFailures("gone"))
}

func TestClientErrorsPassThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "order not found", http.StatusNotFound)
	}))
	defer backend.Close()

	g := newTestGateway(t, []routes.Spec{{Name: "order_service", Path: "/api/order/**", Backend: "order"}},
		map[string]string{"order": backend.URL}, breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		rec := g.do(http.MethodGet, "/api/order/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "order not found\n", rec.Body.String())
	}
	assert.Equal(t, breaker.StateClosed, g.breakers.State("order_service"))
}

func TestBuiltinEndpoints(t *testing.T) {
	g := newTestGateway(t, nil, map[string]string{}, defaultSettings())

	rec := g.do(http.MethodGet, "/fallbackRoute", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, FallbackBody, rec.Body.String())

	rec = g.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(http.MethodGet, "/gateway/breakers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestRouteBreakerOverride(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	g := newTestGateway(t, []routes.Spec{{
		Name: "order_service", Path: "/api/order/**", Backend: "order",
		Breaker: &breaker.Settings{FailureThreshold: 2, ResetTimeout: time.Minute},
	}}, map[string]string{"order": backend.URL}, breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Minute})

	g.do(http.MethodGet, "/api/order", nil)
	assert.Equal(t, breaker.StateClosed, g.breakers.State("order_service"))
	g.do(http.MethodGet, "/api/order", nil)
	assert.Equal(t, breaker.StateOpen, g.breakers.State("order_service"))
}

type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	wait  time.Duration
	err   error
	done  int
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, _ redisrl.Limit) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allow, f.wait, f.err
}

func (f *fakeLimiter) Done(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done++
	return nil
}

func TestRateLimitedRoute(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer backend.Close()

	specs := []routes.Spec{{
		Name: "order_service", Path: "/api/order/**", Backend: "order",
		RateLimit: &routes.RateLimit{RPS: 1, Burst: 1, MaxInflight: 1},
	}}
	g := newTestGateway(t, specs, map[string]string{"order": backend.URL}, defaultSettings())

	lim := &fakeLimiter{allow: false, wait: 1500 * time.Millisecond}
	g.router.Limiter = lim
	rec := g.do(http.MethodGet, "/api/order", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Empty(t, g.breakers.Snapshot())

	lim.allow = true
	rec = g.do(http.MethodGet, "/api/order", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, lim.done)

	// limiter outages do not block traffic
	lim.err = assert.AnError
	rec = g.do(http.MethodGet, "/api/order", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, lim.done)
}

func TestRecoverHidesPanics(t *testing.T) {
	h := Recover(zap.NewNop().Sugar(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error\n", rec.Body.String())
}

func TestAccessLogKeepsStatus(t *testing.T) {
	h := AccessLog(zap.NewNop().Sugar(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
