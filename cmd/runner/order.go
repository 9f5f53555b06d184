package main

import (
	"context"
	"fmt"
	"net/http"

	"lifecontrol/internal/breaker"
	"lifecontrol/internal/db"
	"lifecontrol/internal/events"
	"lifecontrol/internal/inventory"
	"lifecontrol/internal/migrate"
	"lifecontrol/internal/observability"
	"lifecontrol/internal/order"
	"lifecontrol/internal/orderstore"
)

func runOrder(ctx context.Context, a *app) error {
	database, err := db.Connect(ctx, a.cfg.DatabaseURL, 10)
	if err != nil {
		return err
	}
	defer database.Close()
	applied, err := migrate.Apply(ctx, database.Pool)
	if err != nil {
		return err
	}
	a.log.Infow("migrations_applied", "names", applied)

	pub, err := events.Dial(a.cfg.AMQPURL, a.cfg.EventsExchange, a.cfg.PublishTimeout, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			a.log.Warnw("amqp_close_error", "error", err)
		}
	}()

	breakers, err := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: a.cfg.BreakerThreshold,
		ResetTimeout:     a.cfg.BreakerReset,
	}, a.log, a.metrics)
	if err != nil {
		return err
	}
	store := orderstore.New(database.Pool)
	orch := order.New(inventory.NewClient(a.cfg.InventoryURL, a.cfg.InventoryTimeout), store, pub, breakers, a.log, a.metrics)

	h := &order.Handlers{Placer: orch, Orders: store, Log: a.log}
	engine := order.NewEngine("lifecontrol-order", h, map[string]http.Handler{
		"/metrics": observability.Handler(a.prom),
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := database.Healthy(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}),
	})
	return serve(ctx, a.log, fmt.Sprintf(":%d", a.cfg.OrderPort), engine)
}
