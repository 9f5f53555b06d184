package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lifecontrol/internal/config"
	"lifecontrol/internal/logging"
	"lifecontrol/internal/observability"
	"lifecontrol/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var logLevel string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "runner",
		Short:        "lifecontrol edge gateway, order service and inventory service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides LOG_LEVEL")
	root.AddCommand(
		roleCmd(config.RoleGateway, "Run the edge router", runGateway),
		roleCmd(config.RoleOrder, "Run the order placement service", runOrder),
		roleCmd(config.RoleInventory, "Run the inventory service", runInventory),
		roleCmd(config.RoleMigrate, "Apply database migrations and exit", runMigrate),
	)
	return root
}

// app carries what every role sets up before it starts serving.
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	prom    *prometheus.Registry
	metrics *observability.Metrics
}

func roleCmd(role, short string, run func(context.Context, *app) error) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Parse(role)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			log, err := logging.New("lifecontrol-"+role, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracer, err := telemetry.InitTracer(ctx, "lifecontrol-"+role, cfg.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				shutdownTracer(sctx)
			}()

			prom := prometheus.NewRegistry()
			prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a := &app{cfg: cfg, log: log, prom: prom, metrics: observability.NewMetrics(prom)}

			if err := run(ctx, a); err != nil {
				log.Errorw("exit_error", "role", role, "error", err)
				return err
			}
			return nil
		},
	}
}

// serve runs h on addr until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, log *zap.SugaredLogger, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Infow("shutdown", "addr", addr)
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
