package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/herd-immunity/internal/config"
	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/observability"
	"github.com/signalsfoundry/herd-immunity/internal/server"
	"github.com/signalsfoundry/herd-immunity/internal/sim"
	"github.com/signalsfoundry/herd-immunity/timectrl"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herd-server: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", cfg.Server.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis, prometheus.DefaultRegisterer); err != nil {
		log.Error(ctx, "herd-server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the command API on lis until ctx is cancelled, then shuts the
// listeners and the tick driver down.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener, reg prometheus.Registerer) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.FlushTracing(shutdownTracing, log)

	collector, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	engine, err := sim.NewEngine(cfg.Engine.TickPeriod,
		sim.WithLogger(log),
		sim.WithMetricsRecorder(collector),
		sim.WithParameters(cfg.Parameters),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	api := server.New(engine,
		server.WithLogger(log),
		server.WithArena(cfg.Arena),
		server.WithSpeedupRatio(cfg.UI.SpeedupRatio),
		server.WithFrameMetrics(collector),
	)
	httpSrv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mode := timectrl.ParseMode(cfg.Engine.Mode)
		log.Info(gctx, "starting tick driver",
			logging.Duration("tick_period", engine.TickPeriod()),
			logging.String("mode", mode.String()),
		)
		<-engine.Run(gctx, mode)
		return nil
	})

	g.Go(func() error {
		log.Info(gctx, "serving command API", logging.String("addr", lis.Addr().String()))
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down herd-server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		api.Close()
		err := httpSrv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}
