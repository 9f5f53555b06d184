// Package gateway is the edge router. It dispatches inbound requests to
// backend services through the route table, guarding every route with its
// own circuit breaker and answering with a shared fallback when a backend is
// unreachable or its breaker is open.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"lifecontrol/internal/breaker"
	"lifecontrol/internal/observability"
	"lifecontrol/internal/redisrl"
	"lifecontrol/internal/routes"
)

// FallbackBody is returned with 503 when a route's backend cannot serve.
const FallbackBody = "Service Unavailable, please try again later"

var errUpstreamStatus = errors.New("upstream server error")

// hop-by-hop headers, RFC 7230 section 6.1
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Limiter interface {
	Allow(ctx context.Context, route string, lim redisrl.Limit) (bool, time.Duration, error)
	Done(ctx context.Context, route string) error
}

type Router struct {
	Table    *routes.Table
	Breakers *breaker.Registry
	Client   *http.Client
	// Limiter is optional; routes without a rate limit skip it.
	Limiter Limiter
	Log     *zap.SugaredLogger
	Metrics *observability.Metrics

	tracer trace.Tracer
}

// NewRouter applies each route's breaker overrides to the registry.
func NewRouter(table *routes.Table, breakers *breaker.Registry, log *zap.SugaredLogger, m *observability.Metrics) (*Router, error) {
	for _, r := range table.Routes() {
		if r.Breaker == nil {
			continue
		}
		if err := breakers.Configure(r.Name, *r.Breaker); err != nil {
			return nil, err
		}
	}
	client := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Router{
		Table:    table,
		Breakers: breakers,
		Client:   client,
		Log:      log,
		Metrics:  m,
		tracer:   otel.Tracer("lifecontrol/gateway"),
	}, nil
}

// Routes registers the built-in endpoints and the catch-all dispatcher.
func (rt *Router) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /fallbackRoute", func(w http.ResponseWriter, r *http.Request) { writeFallback(w) })
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /gateway/breakers", rt.handleBreakers)
	mux.Handle("/", rt)
}

func (rt *Router) handleBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": rt.Breakers.Snapshot()})
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := rt.Table.Match(r.Method, r.URL.Path)
	if err != nil {
		rt.count("none", "not_found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	ctx := r.Context()

	if route.RateLimit != nil && rt.Limiter != nil {
		lim := redisrl.Limit{RPS: route.RateLimit.RPS, Burst: route.RateLimit.Burst, MaxInflight: route.RateLimit.MaxInflight}
		allowed, wait, err := rt.Limiter.Allow(ctx, route.Name, lim)
		switch {
		case err != nil:
			rt.Log.Errorw("rate_limit_error", "route", route.Name, "error", err)
		case !allowed:
			rt.count(route.Name, "rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		default:
			defer func() {
				if err := rt.Limiter.Done(context.WithoutCancel(ctx), route.Name); err != nil {
					rt.Log.Errorw("rate_limit_done_error", "route", route.Name, "error", err)
				}
			}()
		}
	}

	ctx, span := rt.tracer.Start(ctx, "gateway.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gateway.route", route.Name)))
	defer span.End()

	var resp *upstreamResponse
	start := time.Now()
	err = rt.Breakers.Execute(route.Name, func() error {
		var callErr error
		resp, callErr = rt.call(ctx, route, r)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback")
		if errors.Is(err, breaker.ErrOpen) {
			rt.Log.Warnw("route_breaker_open", "route", route.Name, "path", r.URL.Path)
		} else {
			rt.observe(route.Name, start)
			rt.Log.Errorw("route_upstream_error", "route", route.Name, "path", r.URL.Path, "error", err)
		}
		rt.count(route.Name, "fallback")
		writeFallback(w)
		return
	}
	rt.observe(route.Name, start)
	rt.count(route.Name, "forwarded")
	span.SetAttributes(attribute.Int("http.response.status_code", resp.status))

	dst := w.Header()
	for k, vv := range resp.header {
		dst[k] = vv
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

// call performs one bounded backend exchange. Transport errors, timeouts and
// 5xx answers are failures.
func (rt *Router) call(ctx context.Context, route routes.Route, in *http.Request) (*upstreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	target := route.OutboundURL(in.URL)
	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), in.Body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	out.ContentLength = in.ContentLength
	out.Header = in.Header.Clone()
	removeHopHeaders(out.Header)
	setForwarded(out.Header, in)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	res, err := rt.Client.Do(out)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %d", errUpstreamStatus, res.StatusCode)
	}
	removeHopHeaders(res.Header)
	res.Header.Del("Content-Length")
	return &upstreamResponse{status: res.StatusCode, header: res.Header, body: body}, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwarded(h http.Header, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	h.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
}

func writeFallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(FallbackBody))
}

func (rt *Router) count(route, outcome string) {
	if rt.Metrics != nil {
		rt.Metrics.GatewayRequestsTotal.WithLabelValues(route, outcome).Inc()
	}
}

func (rt *Router) observe(route string, start time.Time) {
	if rt.Metrics != nil {
		rt.Metrics.UpstreamDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
