// Command tattoo-api serves the submission endpoints and forwards each job to
// the workers over the broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrjvadi/tattoo-broker/bootstrap"
	"github.com/mrjvadi/tattoo-broker/broker"
	"github.com/mrjvadi/tattoo-broker/config"
	"github.com/mrjvadi/tattoo-broker/httpapi"
	"github.com/mrjvadi/tattoo-broker/logging"
	"github.com/mrjvadi/tattoo-broker/tattoo"
)

func main() {
	opts := ParseFlags(os.Args[1:])
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if opts.PrintConfig {
		_ = config.Dump(os.Stdout, cfg)
		return
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("api shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dialer, err := bootstrap.Dialer(cfg.Broker, logger)
	if err != nil {
		return err
	}
	store, err := tattoo.NewStorage(cfg.API.StorageDir)
	if err != nil {
		return err
	}
	reg := bootstrap.NewRegistry()
	metrics := broker.NewMetrics(reg)
	bopts := bootstrap.BrokerOptions(cfg.Broker, logger, metrics)

	client := broker.NewClient(dialer, cfg.Queue, bopts...)
	defer client.Close()
	// not fatal: Call dials again on demand
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := client.Connect(cctx); err != nil {
		logger.Warn("broker not reachable yet", zap.Error(err))
	}
	cancel()

	srv := httpapi.New(tattoo.NewService(client), store, httpapi.Options{
		Logger:      logger,
		CallTimeout: cfg.API.CallTimeout,
		MaxBodySize: cfg.API.MaxBodyMB << 20,
		BaseContext: ctx,
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Standalone {
		w := broker.NewWorker(dialer, cfg.Queue, bopts...)
		tattoo.Register(w, &tattoo.ExecRunner{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Dir:     cfg.Worker.Dir,
			Timeout: cfg.Worker.Timeout,
			Logger:  logger.Named("model"),
		})
		logger.Info("running in-process worker", zap.String("broker", cfg.Broker.Kind))
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return srv.ListenAndServe(cfg.API.Listen) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return bootstrap.ServeMetrics(gctx, cfg.Metrics.Listen, reg, logger) })
	return g.Wait()
}
