package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"lifecontrol/internal/gateway"
	"lifecontrol/internal/inventory"
	"lifecontrol/internal/observability"
)

func runInventory(ctx context.Context, a *app) error {
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	mux := http.NewServeMux()
	inventory.NewServer(rdb, a.log).Routes(mux)
	mux.Handle("GET /metrics", observability.Handler(a.prom))
	return serve(ctx, a.log, fmt.Sprintf(":%d", a.cfg.InventoryPort), gateway.Recover(a.log, gateway.AccessLog(a.log, mux)))
}
