// Package redisq carries the RPC layer over Redis. A work queue is a stream
// read through a consumer group; a reply queue is a Pub/Sub channel named
// "reply:<uuid>" that only its declaring connection subscribes to.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
)

const (
	fieldBody    = "body"
	fieldCorrID  = "correlation_id"
	fieldReplyTo = "reply_to"

	replyPrefix = "reply:"
)

// ErrNotPending is returned by Ack when the entry is no longer pending in
// the group, typically because another consumer claimed it.
var ErrNotPending = errors.New("redisq: entry not pending")

// replyEnvelope is what travels on a reply channel.
type replyEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Body          []byte `json:"body"`
}

// Dialer opens Redis-backed broker sessions.
type Dialer struct {
	opts        *redis.Options
	group       string
	consumer    string
	pollBlock   time.Duration
	claimIdle   time.Duration
	healthEvery time.Duration
	logger      *zap.Logger
}

func NewDialer(opts *redis.Options, options ...Option) *Dialer {
	d := &Dialer{opts: opts}
	defaults(d)
	for _, opt := range options {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	rdb := redis.NewClient(d.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", d.opts.Addr, err)
	}
	consumer := d.consumer
	if consumer == "" {
		consumer = broker.ConsumerName()
	}
	c := &Conn{
		d:        d,
		rdb:      rdb,
		consumer: consumer,
		logger:   d.logger.With(zap.String("consumer", consumer)),
		done:     make(chan struct{}),
		subs:     make(map[string]*redis.PubSub),
	}
	go c.health()
	return c, nil
}

// Conn is one Redis client plus the reply subscriptions made through it.
type Conn struct {
	d        *Dialer
	rdb      *redis.Client
	consumer string
	logger   *zap.Logger

	loseOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// DeclareWorkQueue creates the stream and the consumer group if missing.
func (c *Conn) DeclareWorkQueue(ctx context.Context, name string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, name, c.d.group, "0").Err()
	if err != nil && !isGroupExists(err) {
		return c.check(err)
	}
	return nil
}

// DeclareReplyQueue subscribes to a fresh reply channel and waits for the
// subscription to be confirmed, so no reply published afterwards is missed.
func (c *Conn) DeclareReplyQueue(ctx context.Context) (string, error) {
	name := replyPrefix + uuid.NewString()
	sub := c.rdb.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return "", c.check(err)
	}
	c.mu.Lock()
	c.subs[name] = sub
	c.mu.Unlock()
	return name, nil
}

func (c *Conn) DeleteQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	sub, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if ok {
		return sub.Close()
	}
	return c.check(c.rdb.Del(ctx, name).Err())
}

// Publish adds a request to a work stream, or sends a reply on a reply channel.
func (c *Conn) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if strings.HasPrefix(queue, replyPrefix) {
		b, err := json.Marshal(replyEnvelope{CorrelationID: msg.CorrelationID, Body: msg.Body})
		if err != nil {
			return err
		}
		return c.check(c.rdb.Publish(ctx, queue, b).Err())
	}
	err := enqueueLua.Run(ctx, c.rdb, []string{queue},
		msg.Body, msg.CorrelationID, msg.ReplyTo).Err()
	return c.check(err)
}

func (c *Conn) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	c.mu.Lock()
	sub, isReply := c.subs[queue]
	c.mu.Unlock()

	out := make(chan broker.Delivery)
	if isReply {
		go c.pumpReplies(ctx, sub, out)
		return out, nil
	}
	if isDone(c.done) {
		return nil, redis.ErrClosed
	}
	go c.pumpStream(ctx, queue, opts, out)
	return out, nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lose()
		c.mu.Lock()
		for name, sub := range c.subs {
			_ = sub.Close()
			delete(c.subs, name)
		}
		c.mu.Unlock()
		err = c.rdb.Close()
	})
	return err
}

func (c *Conn) lose() {
	c.loseOnce.Do(func() { close(c.done) })
}

// check marks the connection lost when the client reports it closed.
func (c *Conn) check(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		c.lose()
	}
	return err
}

// health pings the server and gives the connection up after two failed
// probes in a row. Pub/Sub silently drops what is published while the
// subscriber reconnects, so waiting callers must learn about the gap.
func (c *Conn) health() {
	t := time.NewTicker(c.d.healthEvery)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.d.healthEvery)
		err := c.rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.logger.Warn("redis health check failed", zap.Int("failures", failures), zap.Error(err))
		if failures >= 2 || errors.Is(err, redis.ErrClosed) {
			c.lose()
			return
		}
	}
}

func (c *Conn) pumpReplies(ctx context.Context, sub *redis.PubSub, out chan<- broker.Delivery) {
	defer close(out)
	ch := sub.Channel(redis.WithChannelSize(1024))
	for {
		var m *redis.Message
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m = msg
		}

		var env replyEnvelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			c.logger.Debug("dropping malformed reply", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		d := broker.Delivery{Message: broker.Message{Body: env.Body, CorrelationID: env.CorrelationID}}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// pumpStream reads the work stream through the consumer group. With manual
// ack no more than Prefetch entries are held at a time; entries left pending
// by a vanished consumer are claimed once they have been idle for claimIdle.
func (c *Conn) pumpStream(ctx context.Context, stream string, opts broker.ConsumeOptions, out chan<- broker.Delivery) {
	defer close(out)

	window := opts.Prefetch
	if window <= 0 {
		window = 1
	}
	slots := make(chan struct{}, window)
	lastClaim := time.Time{}

	for {
		if !opts.AutoAck {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}

		var msgs []redis.XMessage
		if !opts.AutoAck && time.Since(lastClaim) >= c.d.claimIdle/2 {
			lastClaim = time.Now()
			msgs = c.claim(ctx, stream)
		}
		if len(msgs) == 0 {
			var err error
			msgs, err = c.read(ctx, stream, opts.AutoAck)
			if err != nil {
				if ctx.Err() != nil || isDone(c.done) || errors.Is(c.check(err), redis.ErrClosed) {
					return
				}
				c.logger.Warn("xreadgroup", zap.String("stream", stream), zap.Error(err))
				time.Sleep(150 * time.Millisecond)
			}
		}
		if len(msgs) == 0 {
			if !opts.AutoAck {
				<-slots
			}
			continue
		}

		m := msgs[0]
		d := broker.Delivery{Message: messageOf(m)}
		if !opts.AutoAck {
			a := &acker{c: c, stream: stream, id: m.ID, slots: slots, stop: make(chan struct{})}
			go a.keepAlive()
			d.Acker = a
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) read(ctx context.Context, stream string, noAck bool) ([]redis.XMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.d.group,
		Consumer: c.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    c.d.pollBlock,
		NoAck:    noAck,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (c *Conn) claim(ctx context.Context, stream string) []redis.XMessage {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.d.group,
		Consumer: c.consumer,
		MinIdle:  c.d.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("xautoclaim", zap.String("stream", stream), zap.Error(err))
		}
		return nil
	}
	if len(msgs) > 0 {
		c.logger.Info("claimed stale request", zap.String("stream", stream), zap.String("id", msgs[0].ID))
	}
	return msgs
}

func messageOf(m redis.XMessage) broker.Message {
	body, _ := m.Values[fieldBody].(string)
	corrID, _ := m.Values[fieldCorrID].(string)
	replyTo, _ := m.Values[fieldReplyTo].(string)
	return broker.Message{
		Body:          []byte(body),
		CorrelationID: corrID,
		ReplyTo:       replyTo,
		Persistent:    true,
	}
}

type acker struct {
	c      *Conn
	stream string
	id     string
	slots  chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// keepAlive re-claims the entry for its own consumer so a long task is not
// mistaken for an abandoned one.
func (a *acker) keepAlive() {
	t := time.NewTicker(a.c.d.claimIdle / 3)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-a.c.done:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.c.d.pollBlock)
		err := a.c.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   a.stream,
			Group:    a.c.d.group,
			Consumer: a.c.consumer,
			MinIdle:  0,
			Messages: []string{a.id},
		}).Err()
		cancel()
		if err != nil {
			a.c.logger.Debug("xclaim keepalive", zap.String("id", a.id), zap.Error(err))
		}
	}
}

func (a *acker) Ack(ctx context.Context) error {
	defer a.once.Do(func() {
		close(a.stop)
		<-a.slots
	})
	if isDone(a.c.done) {
		return redis.ErrClosed
	}
	n, err := ackLua.Run(ctx, a.c.rdb, []string{a.stream}, a.c.d.group, a.id).Int64()
	if err != nil {
		return a.c.check(err)
	}
	if n == 0 {
		return fmt.Errorf("ack %s: %w", a.id, ErrNotPending)
	}
	return nil
}

func isGroupExists(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
