package broker

import (
	"time"

	"go.uber.org/zap"
)

// DefaultAttempts is the send/reply-publish attempt budget.
const DefaultAttempts = 3

type options struct {
	logger         *zap.Logger
	metrics        *Metrics
	attempts       int
	reconnectDelay time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		logger:         zap.NewNop(),
		attempts:       DefaultAttempts,
		reconnectDelay: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithAttempts overrides how many times a send (client) or a reply publish
// (worker) is tried before giving up.
func WithAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithReconnectDelay sets how long a worker waits before dialing again after
// its session could not be established.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectDelay = d
		}
	}
}
