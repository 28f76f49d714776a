// Package amqpq carries the RPC layer over RabbitMQ: a durable work queue on
// the default exchange, a server-named exclusive auto-delete reply queue per
// connection, persistent requests and transient replies.
package amqpq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
)

type Config struct {
	// URL is an amqp:// or amqps:// URI.
	URL       string
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// URL builds an AMQP URI from its parts.
func URL(user, pass, host string, port int, vhost string) string {
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: user,
		Password: pass,
		Vhost:    vhost,
	}
	if u.Vhost == "" {
		u.Vhost = "/"
	}
	return u.String()
}

const maxDialTimeout = 30 * time.Second

type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	// DialConfig takes no context; run it aside so ctx can abort the wait.
	out := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(d.cfg.URL, amqp.Config{
			Heartbeat: d.cfg.Heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(dialTimeout(ctx)),
			Properties: amqp.Table{
				"connection_name": "tattoo-broker",
			},
		})
		out <- result{conn, err}
	}()

	var conn *amqp.Connection
	select {
	case r := <-out:
		if r.err != nil {
			return nil, fmt.Errorf("amqp dial: %w", r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-out; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}

	c := &Conn{
		conn:   conn,
		ch:     ch,
		logger: d.cfg.Logger,
		done:   make(chan struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

// dialTimeout bounds the TCP dial and handshake by ctx, at most maxDialTimeout.
func dialTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < maxDialTimeout {
			return d
		}
	}
	return maxDialTimeout
}

// Conn is one AMQP connection with a single channel on it.
type Conn struct {
	conn   *amqp.Connection
	logger *zap.Logger

	// amqp channels are not safe for concurrent publishes
	mu sync.Mutex
	ch *amqp.Channel

	once sync.Once
	done chan struct{}
}

func (c *Conn) watch(connClosed, chClosed chan *amqp.Error) {
	var err *amqp.Error
	select {
	case err = <-connClosed:
	case err = <-chClosed:
	}
	if err != nil {
		c.logger.Warn("amqp closed", zap.Int("code", err.Code), zap.String("reason", err.Reason))
	}
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) DeclareWorkQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// DeclareReplyQueue lets the server name an exclusive, auto-delete queue.
func (c *Conn) DeclareReplyQueue(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *Conn) DeleteQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ch.QueueDelete(name, false, false, false)
	return err
}

// ErrNacked is returned when the broker refuses to take a persistent message.
var ErrNacked = errors.New("amqp: publish nacked by broker")

// Publish writes msg to queue through the default exchange. The channel runs
// in confirm mode: persistent messages return only once the broker has
// confirmed them.
func (c *Conn) Publish(ctx context.Context, queue string, msg broker.Message) error {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	c.mu.Lock()
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  mode,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	})
	c.mu.Unlock()
	if err != nil || !msg.Persistent || dc == nil {
		return err
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !ok {
		return ErrNacked
	}
	return nil
}

func (c *Conn) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	tag := "tattoo-" + uuid.NewString()

	c.mu.Lock()
	if !opts.AutoAck && opts.Prefetch > 0 {
		if err := c.ch.Qos(opts.Prefetch, 0, false); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("qos: %w", err)
		}
	}
	in, err := c.ch.Consume(queue, tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.cancel(tag)
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				del := broker.Delivery{Message: broker.Message{
					Body:          d.Body,
					CorrelationID: d.CorrelationId,
					ReplyTo:       d.ReplyTo,
					Persistent:    d.DeliveryMode == amqp.Persistent,
				}}
				if !opts.AutoAck {
					del.Acker = acker{d: d}
				}
				select {
				case out <- del:
				case <-ctx.Done():
					c.cancel(tag)
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Conn) cancel(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Debug("amqp cancel", zap.String("tag", tag), zap.Error(err))
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	chErr := c.ch.Close()
	c.mu.Unlock()
	err := c.conn.Close()
	c.once.Do(func() { close(c.done) })
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	if err == nil && !errors.Is(chErr, amqp.ErrClosed) {
		err = chErr
	}
	return err
}

type acker struct {
	d amqp.Delivery
}

func (a acker) Ack(ctx context.Context) error {
	return a.d.Ack(false)
}
