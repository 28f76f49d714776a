package redisq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrjvadi/tattoo-broker/broker"
)

func newBenchPair(b *testing.B, workers int) (context.Context, *broker.Client) {
	b.Helper()
	opts := testOptions(b)
	opts.PoolSize = 512
	opts.MinIdleConns = 128

	ctx, cancel := context.WithCancel(context.Background())
	if getenv("REDIS_FLUSHDB", "1") == "1" {
		rdb := redis.NewClient(opts)
		if err := rdb.FlushDB(ctx).Err(); err != nil {
			b.Fatalf("flushdb failed: %v", err)
		}
		_ = rdb.Close()
	}

	queue := fmt.Sprintf("bench_stream:%d", time.Now().UnixNano())
	d := NewDialer(opts,
		WithGroup(fmt.Sprintf("bench_group:%d", time.Now().UnixNano())),
		WithPollBlock(200*time.Millisecond),
	)

	for i := 0; i < workers; i++ {
		w := broker.NewWorker(d, queue)
		w.OnTask(broker.TaskInfer, func(c *broker.Context) ([]string, error) {
			return []string{"bench.png"}, nil
		})
		go func() { _ = w.Run(ctx) }()
	}

	c := broker.NewClient(d, queue)
	b.Cleanup(func() {
		_ = c.Close()
		cancel()
	})
	if err := c.Connect(ctx); err != nil {
		b.Fatalf("connect: %v", err)
	}
	return ctx, c
}

func BenchmarkCall_Sequential(b *testing.B) {
	ctx, c := newBenchPair(b, 1)
	params := map[string]string{"prompt": "bench"}

	// warm the pool and the consumer group
	for i := 0; i < 32; i++ {
		if _, err := c.Call(ctx, broker.TaskInfer, params); err != nil {
			b.Fatalf("warmup call failed: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call(ctx, broker.TaskInfer, params); err != nil {
			b.Fatalf("call failed: %v", err)
		}
	}
}

func BenchmarkCall_Parallel(b *testing.B) {
	ctx, c := newBenchPair(b, getenvInt("BENCH_WORKERS", 8))
	params := map[string]string{"prompt": "bench"}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			res, err := c.Call(ctx, broker.TaskInfer, params)
			if err != nil {
				b.Errorf("call failed: %v", err)
				return
			}
			if res.Failed() {
				b.Errorf("task failed: %s", res.Error)
				return
			}
		}
	})
}
