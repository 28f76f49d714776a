// Command tattoo-worker consumes model_train and model_inference jobs from the
// work queue and runs the configured model command for each of them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrjvadi/tattoo-broker/bootstrap"
	"github.com/mrjvadi/tattoo-broker/broker"
	"github.com/mrjvadi/tattoo-broker/config"
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
		logger.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("worker shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dialer, err := bootstrap.Dialer(cfg.Broker, logger)
	if err != nil {
		return err
	}
	reg := bootstrap.NewRegistry()
	metrics := broker.NewMetrics(reg)

	w := broker.NewWorker(dialer, cfg.Queue, bootstrap.BrokerOptions(cfg.Broker, logger, metrics)...)
	tattoo.Register(w, &tattoo.ExecRunner{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Dir:     cfg.Worker.Dir,
		Timeout: cfg.Worker.Timeout,
		Logger:  logger.Named("model"),
	})

	logger.Info("starting worker",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("queue", cfg.Queue),
		zap.String("command", cfg.Worker.Command),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return bootstrap.ServeMetrics(gctx, cfg.Metrics.Listen, reg, logger) })
	return g.Wait()
}
