package redisq

import (
	"time"

	"go.uber.org/zap"
)

type Option func(*Dialer)

// WithGroup sets the consumer group shared by all workers of a queue.
func WithGroup(group string) Option {
	return func(d *Dialer) {
		if group != "" {
			d.group = group
		}
	}
}

// WithConsumer fixes the consumer name inside the group. By default every
// connection picks a fresh one.
func WithConsumer(name string) Option {
	return func(d *Dialer) {
		if name != "" {
			d.consumer = name
		}
	}
}

// WithPollBlock bounds how long one XREADGROUP blocks.
func WithPollBlock(block time.Duration) Option {
	return func(d *Dialer) {
		if block > 0 {
			d.pollBlock = block
		}
	}
}

// WithClaimIdle sets how long a delivery may stay unacknowledged before
// another consumer takes it over.
func WithClaimIdle(idle time.Duration) Option {
	return func(d *Dialer) {
		if idle > 0 {
			d.claimIdle = idle
		}
	}
}

// WithHealthCheck sets the ping interval used to detect a lost server.
func WithHealthCheck(every time.Duration) Option {
	return func(d *Dialer) {
		if every > 0 {
			d.healthEvery = every
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

func defaults(d *Dialer) {
	d.group = "tattoo-workers"
	d.pollBlock = 2 * time.Second
	d.claimIdle = 5 * time.Minute
	d.healthEvery = 5 * time.Second
	d.logger = zap.NewNop()
}
