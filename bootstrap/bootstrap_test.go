package bootstrap

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/config"
	"github.com/mrjvadi/tattoo-broker/transport/amqpq"
	"github.com/mrjvadi/tattoo-broker/transport/jetstream"
	"github.com/mrjvadi/tattoo-broker/transport/memory"
	"github.com/mrjvadi/tattoo-broker/transport/redisq"
)

func TestDialerSelectsBackend(t *testing.T) {
	base := config.Default().Broker
	cases := []struct {
		kind  string
		check func(any) bool
	}{
		{"amqp", func(d any) bool { _, ok := d.(*amqpq.Dialer); return ok }},
		{"redis", func(d any) bool { _, ok := d.(*redisq.Dialer); return ok }},
		{"nats", func(d any) bool { _, ok := d.(*jetstream.Dialer); return ok }},
		{"memory", func(d any) bool { _, ok := d.(*memory.Broker); return ok }},
	}
	for _, c := range cases {
		cfg := base
		cfg.Kind = c.kind
		d, err := Dialer(cfg, zap.NewNop())
		if err != nil {
			t.Fatalf("%s: %v", c.kind, err)
		}
		if !c.check(d) {
			t.Errorf("%s: got %T", c.kind, d)
		}
	}

	cfg := base
	cfg.Kind = "kafka"
	if _, err := Dialer(cfg, nil); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestMemoryIsShared(t *testing.T) {
	cfg := config.Default().Broker
	cfg.Kind = "memory"
	a, _ := Dialer(cfg, nil)
	b, _ := Dialer(cfg, nil)
	if a != b || a != Memory() {
		t.Fatal("memory broker is not a process singleton")
	}
}

func TestBrokerOptions(t *testing.T) {
	opts := BrokerOptions(config.Default().Broker, zap.NewNop(), nil)
	if len(opts) != 4 {
		t.Fatalf("got %d options", len(opts))
	}
}

func TestServeMetricsDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeMetrics(ctx, "", NewRegistry(), zap.NewNop()) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeMetrics did not return")
	}
}

func TestServeMetricsBadAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ServeMetrics(ctx, "127.0.0.1:-1", NewRegistry(), zap.NewNop()); err == nil {
		t.Fatal("expected listen error")
	}
}
