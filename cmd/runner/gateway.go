package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"lifecontrol/internal/breaker"
	"lifecontrol/internal/gateway"
	"lifecontrol/internal/observability"
	"lifecontrol/internal/redisrl"
	"lifecontrol/internal/registry"
	"lifecontrol/internal/routes"
)

func runGateway(ctx context.Context, a *app) error {
	backends, err := registry.New(a.cfg.Backends)
	if err != nil {
		return err
	}
	specs := routes.Default()
	if a.cfg.RoutesFile != "" {
		if specs, err = routes.LoadFile(a.cfg.RoutesFile); err != nil {
			return err
		}
	}
	table, err := routes.Build(specs, backends, a.cfg.UpstreamTimeout)
	if err != nil {
		return err
	}
	breakers, err := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: a.cfg.BreakerThreshold,
		ResetTimeout:     a.cfg.BreakerReset,
	}, a.log, a.metrics)
	if err != nil {
		return err
	}
	router, err := gateway.NewRouter(table, breakers, a.log, a.metrics)
	if err != nil {
		return err
	}

	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		router.Limiter = redisrl.New(rdb)
	}

	for _, r := range table.Routes() {
		a.log.Infow("route", "name", r.Name, "method", r.Matcher.Method, "path", r.Matcher.Path, "target", r.Target.String())
	}

	mux := http.NewServeMux()
	router.Routes(mux)
	mux.Handle("GET /metrics", observability.Handler(a.prom))
	return serve(ctx, a.log, fmt.Sprintf(":%d", a.cfg.GatewayPort), gateway.Recover(a.log, gateway.AccessLog(a.log, mux)))
}
