package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/mrjvadi/tattoo-broker/broker")

// replyChannel is the client's private reply queue and the listener draining it.
type replyChannel struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Client publishes tasks to the work queue and waits for their replies.
// Any number of Calls may run concurrently; they share one reply queue and
// one listener goroutine per broker session.
type Client struct {
	queue   string
	opts    options
	logger  *zap.Logger
	pending *CorrelationTable
	sess    *session[*replyChannel]
	closed  atomic.Bool
}

// NewClient returns a client for the work queue named queue. Nothing is dialed
// until Connect or the first Call.
func NewClient(d Dialer, queue string, opts ...Option) *Client {
	o := newOptions(opts)
	c := &Client{
		queue:   queue,
		opts:    o,
		logger:  o.logger.Named("rpc-client"),
		pending: NewCorrelationTable(),
	}
	c.sess = &session[*replyChannel]{
		dialer:   d,
		logger:   c.logger,
		setup:    c.setup,
		teardown: c.teardown,
		lost:     c.onLost,
	}
	return c
}

// Connect establishes the broker session. Calling it on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	_, _, err := c.sess.acquire(ctx)
	return err
}

// Call publishes a task and blocks until its reply arrives, the send attempt
// budget is exhausted, ctx is done, or the client is closed. A task that ran
// and failed is not an error here: check TaskResult.Error.
func (c *Client) Call(ctx context.Context, kind TaskKind, params any) (TaskResult, error) {
	if c.closed.Load() {
		return TaskResult{}, ErrClientClosed
	}
	body, err := encodeTaskBody(kind, params)
	if err != nil {
		return TaskResult{}, err
	}

	ctx, span := tracer.Start(ctx, "rpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.task", string(kind)),
			attribute.String("messaging.destination", c.queue),
		))
	defer span.End()

	start := time.Now()
	var p *Pending
	attempts, err := retry(ctx, c.opts.attempts, func(attempt int) error {
		var sendErr error
		p, sendErr = c.send(ctx, body)
		c.opts.metrics.sendAttempt(sendErr)
		if sendErr != nil {
			c.logger.Warn("send attempt failed",
				zap.String("task", string(kind)),
				zap.Int("attempt", attempt),
				zap.Int("of", c.opts.attempts),
				zap.Error(sendErr))
		}
		return sendErr
	})
	if err != nil {
		switch {
		case c.closed.Load():
			err = ErrClientClosed
			c.opts.metrics.observeCall(kind, "aborted", time.Since(start))
		case ctx.Err() != nil:
			err = ctx.Err()
			c.opts.metrics.observeCall(kind, "aborted", time.Since(start))
		default:
			err = &TransportError{Op: "send " + string(kind), Attempts: attempts, Err: err}
			c.opts.metrics.observeCall(kind, "transport_error", time.Since(start))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TaskResult{}, err
	}

	id := p.ID()
	defer c.pending.Forget(id)
	c.opts.metrics.pendingDelta(1)
	defer c.opts.metrics.pendingDelta(-1)
	span.SetAttributes(attribute.String("messaging.correlation_id", id))

	res, err := p.Wait(ctx)
	switch {
	case err != nil:
		c.opts.metrics.observeCall(kind, "aborted", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Failed():
		c.opts.metrics.observeCall(kind, "task_error", time.Since(start))
		span.SetStatus(codes.Error, res.Error)
	default:
		c.opts.metrics.observeCall(kind, "ok", time.Since(start))
	}
	return res, err
}

// send is one attempt: make sure the session is up, register the slot, publish.
// A failed publish drops the session so the next attempt dials afresh.
func (c *Client) send(ctx context.Context, body []byte) (*Pending, error) {
	conn, rc, err := c.sess.acquire(ctx)
	if err != nil {
		return nil, err
	}

	id := newCorrelationID()
	p, err := c.pending.Register(id)
	if err != nil {
		return nil, err
	}
	msg := Message{
		Body:          body,
		CorrelationID: id,
		ReplyTo:       rc.queue,
		Persistent:    true,
	}
	if err := conn.Publish(ctx, c.queue, msg); err != nil {
		c.pending.Forget(id)
		if ctx.Err() == nil {
			c.sess.invalidate(conn, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		}
		return nil, fmt.Errorf("publish to %q: %w", c.queue, err)
	}
	return p, nil
}

// Close cancels the reply listener, deletes the reply queue, closes the
// session and fails every call still waiting.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.sess.shutdown()
	if n := c.pending.FailAll(ErrClientClosed); n > 0 {
		c.logger.Info("failed pending calls on shutdown", zap.Int("count", n))
	}
	return err
}

// State reports the session state.
func (c *Client) State() State { return c.sess.State() }

// PendingCount returns the number of calls waiting for a reply.
func (c *Client) PendingCount() int { return c.pending.Len() }

func (c *Client) setup(ctx context.Context, conn Conn) (*replyChannel, error) {
	if err := conn.DeclareWorkQueue(ctx, c.queue); err != nil {
		return nil, fmt.Errorf("declare work queue %q: %w", c.queue, err)
	}
	name, err := conn.DeclareReplyQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	// the listener outlives the ctx of the call that happened to connect
	lctx, cancel := context.WithCancel(context.Background())
	deliveries, err := conn.Consume(lctx, name, ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}
	rc := &replyChannel{queue: name, cancel: cancel, done: make(chan struct{})}
	go c.listen(lctx, conn, rc, deliveries)

	c.opts.metrics.sessionEstablished("client")
	c.logger.Info("reply queue ready",
		zap.String("reply_queue", name),
		zap.String("work_queue", c.queue))
	return rc, nil
}

func (c *Client) teardown(ctx context.Context, conn Conn, rc *replyChannel, graceful bool) {
	rc.cancel()
	select {
	case <-rc.done:
	case <-ctx.Done():
	}
	if !graceful {
		return
	}
	if err := conn.DeleteQueue(ctx, rc.queue); err != nil {
		c.logger.Warn("delete reply queue", zap.String("reply_queue", rc.queue), zap.Error(err))
	}
}

func (c *Client) onLost(err error) {
	if n := c.pending.FailAll(err); n > 0 {
		c.logger.Warn("failed pending calls after connection loss", zap.Int("count", n))
	}
}

// listen is the only resolver of pending calls for one session.
func (c *Client) listen(ctx context.Context, conn Conn, rc *replyChannel, deliveries <-chan Delivery) {
	defer close(rc.done)
	for d := range deliveries {
		c.dispatchReply(d)
	}
	if ctx.Err() == nil {
		// the stream ended on its own: the reply queue is gone
		go c.sess.invalidate(conn, ErrConnectionLost)
	}
}

func (c *Client) dispatchReply(d Delivery) {
	if d.CorrelationID == "" {
		c.opts.metrics.unmatchedReply()
		c.logger.Debug("dropping reply without correlation id")
		return
	}
	res, err := decodeTaskResult(d.Message)
	if err != nil {
		res = TaskResult{CorrelationID: d.CorrelationID, Error: err.Error()}
	}
	if !c.pending.Resolve(d.CorrelationID, res) {
		c.opts.metrics.unmatchedReply()
		c.logger.Debug("dropping unmatched reply", zap.String("correlation_id", d.CorrelationID))
	}
}
