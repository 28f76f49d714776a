package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Worker drains the shared work queue one task at a time. Run several
// workers, in as many processes as needed, to scale out.
type Worker struct {
	queue  string
	opts   options
	logger *zap.Logger
	sess   *session[struct{}]

	mu       sync.RWMutex
	handlers map[TaskKind]HandlerFunc
	running  atomic.Bool
}

func NewWorker(d Dialer, queue string, opts ...Option) *Worker {
	o := newOptions(opts)
	w := &Worker{
		queue:    queue,
		opts:     o,
		logger:   o.logger.Named("rpc-worker"),
		handlers: make(map[TaskKind]HandlerFunc),
	}
	w.sess = &session[struct{}]{
		dialer: d,
		logger: w.logger,
		setup:  w.setup,
	}
	return w
}

// OnTask registers the handler for kind, replacing any previous one.
func (w *Worker) OnTask(kind TaskKind, h HandlerFunc) {
	w.mu.Lock()
	w.handlers[kind] = h
	w.mu.Unlock()
}

// Run consumes until ctx is cancelled, re-dialing whenever the session is
// lost. A task in progress at cancellation is left unacknowledged.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("worker already running")
	}
	defer func() {
		if err := w.sess.shutdown(); err != nil {
			w.logger.Warn("closing broker session", zap.Error(err))
		}
	}()

	w.logger.Info("worker starting", zap.String("queue", w.queue))
	for ctx.Err() == nil {
		conn, _, err := w.sess.acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return err
			}
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("broker unavailable", zap.Duration("retry_in", w.opts.reconnectDelay), zap.Error(err))
			sleepCtx(ctx, w.opts.reconnectDelay)
			continue
		}

		deliveries, err := conn.Consume(ctx, w.queue, ConsumeOptions{Prefetch: 1})
		if err != nil {
			w.logger.Warn("consume failed", zap.String("queue", w.queue), zap.Error(err))
			w.sess.invalidate(conn, err)
			sleepCtx(ctx, w.opts.reconnectDelay)
			continue
		}
		for d := range deliveries {
			w.process(ctx, d)
		}
		if ctx.Err() == nil {
			w.sess.invalidate(conn, ErrConnectionLost)
		}
	}
	w.logger.Info("worker stopped", zap.String("queue", w.queue))
	return nil
}

// State reports the session state.
func (w *Worker) State() State { return w.sess.State() }

func (w *Worker) setup(ctx context.Context, conn Conn) (struct{}, error) {
	if err := conn.DeclareWorkQueue(ctx, w.queue); err != nil {
		return struct{}{}, fmt.Errorf("declare work queue %q: %w", w.queue, err)
	}
	w.opts.metrics.sessionEstablished("worker")
	return struct{}{}, nil
}

// process handles one delivery: run, reply, then ack. The ack comes after
// the reply attempt whatever its outcome.
func (w *Worker) process(ctx context.Context, d Delivery) {
	start := time.Now()
	req, res := w.handle(ctx, d)
	w.opts.metrics.observeTask(req.Kind, res.Failed(), time.Since(start))

	log := w.logger.With(
		zap.String("correlation_id", d.CorrelationID),
		zap.String("task", string(req.Kind)))
	if ctx.Err() != nil {
		log.Info("shutdown during task, leaving request unacknowledged")
		return
	}
	if res.Failed() {
		log.Warn("task failed", zap.String("error", res.Error), zap.Duration("took", time.Since(start)))
	} else {
		log.Info("task done", zap.Int("results", len(res.Result)), zap.Duration("took", time.Since(start)))
	}

	if d.ReplyTo == "" {
		log.Warn("request has no reply-to, result dropped")
	} else if err := w.reply(ctx, d.ReplyTo, res); err != nil {
		w.opts.metrics.replyPublishFailed()
		log.Error("reply not delivered", zap.Error(err))
	}

	if err := d.Ack(ctx); err != nil {
		log.Warn("ack failed, request will be redelivered", zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, d Delivery) (TaskRequest, TaskResult) {
	res := TaskResult{CorrelationID: d.CorrelationID}

	ctx, span := tracer.Start(ctx, "rpc.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", w.queue),
			attribute.String("messaging.correlation_id", d.CorrelationID),
		))
	defer span.End()

	req, err := decodeTaskRequest(d.Message)
	if err == nil {
		span.SetAttributes(attribute.String("rpc.task", string(req.Kind)))
		res.Result, err = w.invoke(ctx, req)
	}
	if err != nil {
		res.Result = nil
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
	}
	return req, res
}

func (w *Worker) invoke(ctx context.Context, req TaskRequest) (paths []string, err error) {
	w.mu.RLock()
	h := w.handlers[req.Kind]
	w.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, req.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			paths, err = nil, fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(&Context{
		ctx:           ctx,
		kind:          req.Kind,
		params:        req.Params,
		correlationID: req.CorrelationID,
	})
}

func (w *Worker) reply(ctx context.Context, replyTo string, res TaskResult) error {
	body, err := encodeTaskResult(res)
	if err != nil {
		return err
	}
	msg := Message{Body: body, CorrelationID: res.CorrelationID}

	attempts, err := retry(ctx, w.opts.attempts, func(attempt int) error {
		conn, _, err := w.sess.acquire(ctx)
		if err == nil {
			err = conn.Publish(ctx, replyTo, msg)
		}
		if err != nil {
			w.logger.Warn("reply publish attempt failed",
				zap.String("reply_to", replyTo),
				zap.Int("attempt", attempt),
				zap.Int("of", w.opts.attempts),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return &TransportError{Op: "publish reply", Attempts: attempts, Err: err}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
