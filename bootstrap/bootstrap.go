// Package bootstrap turns a loaded config into the pieces the binaries run:
// a broker dialer, broker options and the metrics endpoint.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
	"github.com/mrjvadi/tattoo-broker/config"
	"github.com/mrjvadi/tattoo-broker/transport/amqpq"
	"github.com/mrjvadi/tattoo-broker/transport/jetstream"
	"github.com/mrjvadi/tattoo-broker/transport/memory"
	"github.com/mrjvadi/tattoo-broker/transport/redisq"
)

var (
	memOnce sync.Once
	mem     *memory.Broker
)

// Memory returns the process-wide in-memory broker.
func Memory() *memory.Broker {
	memOnce.Do(func() { mem = memory.New() })
	return mem
}

// Dialer builds the dialer selected by cfg.Kind.
func Dialer(cfg config.BrokerConfig, logger *zap.Logger) (broker.Dialer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case "amqp":
		url := cfg.AMQP.URL
		if url == "" {
			url = amqpq.URL(cfg.AMQP.User, cfg.AMQP.Password, cfg.AMQP.Host, cfg.AMQP.Port, cfg.AMQP.VHost)
		}
		return amqpq.NewDialer(amqpq.Config{
			URL:       url,
			Heartbeat: cfg.AMQP.Heartbeat,
			Logger:    logger.Named("amqp"),
		}), nil
	case "redis":
		opts := []redisq.Option{
			redisq.WithGroup(cfg.Redis.Group),
			redisq.WithPollBlock(cfg.Redis.PollBlock),
			redisq.WithClaimIdle(cfg.Redis.ClaimIdle),
			redisq.WithLogger(logger.Named("redis")),
		}
		return redisq.NewDialer(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, opts...), nil
	case "nats":
		storage := nats.FileStorage
		if cfg.NATS.Storage == "memory" {
			storage = nats.MemoryStorage
		}
		return jetstream.NewDialer(jetstream.Config{
			URL:           cfg.NATS.URL,
			Name:          "tattoo-broker",
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Storage:       storage,
			MaxAge:        cfg.NATS.MaxAge,
			AckWait:       cfg.NATS.AckWait,
			FetchWait:     cfg.NATS.FetchWait,
			Logger:        logger.Named("nats"),
		}), nil
	case "memory":
		return Memory(), nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}

// BrokerOptions maps config onto client and worker options.
func BrokerOptions(cfg config.BrokerConfig, logger *zap.Logger, m *broker.Metrics) []broker.Option {
	return []broker.Option{
		broker.WithLogger(logger),
		broker.WithMetrics(m),
		broker.WithAttempts(cfg.Attempts),
		broker.WithReconnectDelay(cfg.ReconnectDelay),
	}
}

// NewRegistry returns a registry with the process and Go collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ServeMetrics serves /metrics on addr until ctx is cancelled. An empty addr
// disables it.
func ServeMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
