// Package jetstream carries the RPC layer over NATS. Every work queue is a
// JetStream stream with one durable pull consumer shared by all workers;
// reply queues are core NATS inboxes.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
)

const (
	hdrCorrelationID = "Correlation-Id"
	hdrReplyTo       = "Reply-To"
)

type Config struct {
	URL  string
	Name string
	// SubjectPrefix namespaces subjects, stream and consumer names.
	SubjectPrefix string
	Storage       nats.StorageType
	Replicas      int
	MaxAge        time.Duration
	// AckWait is how long a delivery may go without ack or progress before
	// JetStream hands it to another worker.
	AckWait   time.Duration
	FetchWait time.Duration
	Logger    *zap.Logger
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "tattoo"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.AckWait <= 0 {
		c.AckWait = time.Minute
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	cfg.setDefaults()
	return &Dialer{cfg: cfg}
}

// Dial connects without automatic reconnects: a disconnect closes the Conn,
// because core NATS replies sent meanwhile would be lost.
func (d *Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	c := &Conn{
		cfg:     d.cfg,
		logger:  d.cfg.Logger,
		done:    make(chan struct{}),
		queues:  make(map[string]workQueue),
		replies: make(map[string]*replyInbox),
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if timeout = time.Until(dl); timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	nc, err := nats.Connect(d.cfg.URL,
		nats.Name(d.cfg.Name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { c.lose() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", d.cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.nc, c.js = nc, js
	return c, nil
}

type workQueue struct {
	stream  string
	subject string
	durable string
}

type replyInbox struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

type Conn struct {
	cfg    Config
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext

	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	queues  map[string]workQueue
	replies map[string]*replyInbox
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) lose() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) Close() error {
	c.nc.Close()
	c.lose()
	return nil
}

func (c *Conn) workQueue(name string) workQueue {
	token := sanitize(name)
	return workQueue{
		stream:  sanitize(c.cfg.SubjectPrefix) + "_" + token,
		subject: c.cfg.SubjectPrefix + ".work." + token,
		durable: token + "_workers",
	}
}

// DeclareWorkQueue makes sure the stream and its shared durable consumer exist.
func (c *Conn) DeclareWorkQueue(ctx context.Context, name string) error {
	q := c.workQueue(name)

	if _, err := c.js.StreamInfo(q.stream, nats.Context(ctx)); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:      q.stream,
			Subjects:  []string{q.subject},
			Storage:   c.cfg.Storage,
			Replicas:  c.cfg.Replicas,
			MaxAge:    c.cfg.MaxAge,
			Retention: nats.WorkQueuePolicy,
		}, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("add stream %s: %w", q.stream, err)
		}
	}

	if _, err := c.js.ConsumerInfo(q.stream, q.durable, nats.Context(ctx)); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return err
		}
		_, err = c.js.AddConsumer(q.stream, &nats.ConsumerConfig{
			Durable:       q.durable,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       c.cfg.AckWait,
			DeliverPolicy: nats.DeliverAllPolicy,
			FilterSubject: q.subject,
		}, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return fmt.Errorf("add consumer %s: %w", q.durable, err)
		}
	}

	c.mu.Lock()
	c.queues[name] = q
	c.mu.Unlock()
	return nil
}

// DeclareReplyQueue subscribes to a fresh inbox and flushes, so the server
// knows the interest before any request naming it is published.
func (c *Conn) DeclareReplyQueue(ctx context.Context) (string, error) {
	inbox := nats.NewInbox()
	ch := make(chan *nats.Msg, 1024)
	sub, err := c.nc.ChanSubscribe(inbox, ch)
	if err != nil {
		return "", err
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return "", err
	}
	c.mu.Lock()
	c.replies[inbox] = &replyInbox{sub: sub, ch: ch}
	c.mu.Unlock()
	return inbox, nil
}

func (c *Conn) DeleteQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	r, isReply := c.replies[name]
	delete(c.replies, name)
	q, isWork := c.queues[name]
	delete(c.queues, name)
	c.mu.Unlock()

	switch {
	case isReply:
		return r.sub.Unsubscribe()
	case isWork:
		return c.js.DeleteStream(q.stream, nats.Context(ctx))
	default:
		return nil
	}
}

func (c *Conn) Publish(ctx context.Context, queue string, msg broker.Message) error {
	m := &nats.Msg{Data: msg.Body, Header: nats.Header{}}
	if msg.CorrelationID != "" {
		m.Header.Set(hdrCorrelationID, msg.CorrelationID)
	}

	if strings.HasPrefix(queue, nats.InboxPrefix) {
		m.Subject = queue
		if err := c.nc.PublishMsg(m); err != nil {
			return err
		}
		return c.nc.FlushWithContext(ctx)
	}

	m.Subject = c.workQueue(queue).subject
	if msg.ReplyTo != "" {
		m.Header.Set(hdrReplyTo, msg.ReplyTo)
	}
	_, err := c.js.PublishMsg(m, nats.Context(ctx))
	return err
}

func (c *Conn) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	c.mu.Lock()
	r, isReply := c.replies[queue]
	q, isWork := c.queues[queue]
	c.mu.Unlock()

	out := make(chan broker.Delivery)
	switch {
	case isReply:
		go c.pumpReplies(ctx, r, out)
	case isWork:
		sub, err := c.js.PullSubscribe(q.subject, q.durable, nats.Bind(q.stream, q.durable))
		if err != nil {
			return nil, fmt.Errorf("pull subscribe %s: %w", q.durable, err)
		}
		go c.pumpWork(ctx, sub, opts, out)
	default:
		return nil, fmt.Errorf("consume %q: queue not declared on this connection", queue)
	}
	return out, nil
}

func (c *Conn) pumpReplies(ctx context.Context, r *replyInbox, out chan<- broker.Delivery) {
	defer close(out)
	for {
		var m *nats.Msg
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case m = <-r.ch:
		}
		d := broker.Delivery{Message: broker.Message{
			Body:          m.Data,
			CorrelationID: m.Header.Get(hdrCorrelationID),
		}}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pumpWork(ctx context.Context, sub *nats.Subscription, opts broker.ConsumeOptions, out chan<- broker.Delivery) {
	defer close(out)
	defer func() { _ = sub.Unsubscribe() }()

	window := opts.Prefetch
	if window <= 0 {
		window = 1
	}
	slots := make(chan struct{}, window)

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}

		fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fctx))
		cancel()
		if err != nil || len(msgs) == 0 {
			<-slots
			if ctx.Err() != nil || isDone(c.done) {
				return
			}
			if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				c.logger.Warn("jetstream fetch", zap.String("subject", sub.Subject), zap.Error(err))
				if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
					return
				}
			}
			continue
		}

		m := msgs[0]
		d := broker.Delivery{Message: broker.Message{
			Body:          m.Data,
			CorrelationID: m.Header.Get(hdrCorrelationID),
			ReplyTo:       m.Header.Get(hdrReplyTo),
			Persistent:    true,
		}}
		a := &acker{c: c, m: m, slots: slots, stop: make(chan struct{})}
		if opts.AutoAck {
			_ = a.Ack(ctx)
		} else {
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

type acker struct {
	c     *Conn
	m     *nats.Msg
	slots chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// keepAlive reports progress so long tasks outlive AckWait.
func (a *acker) keepAlive() {
	t := time.NewTicker(a.c.cfg.AckWait / 3)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-a.c.done:
			return
		case <-t.C:
			if err := a.m.InProgress(); err != nil {
				a.c.logger.Debug("jetstream in-progress", zap.Error(err))
			}
		}
	}
}

func (a *acker) Ack(ctx context.Context) error {
	a.once.Do(func() {
		close(a.stop)
		<-a.slots
	})
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return a.m.AckSync(nats.Context(ctx))
}

// sanitize maps name onto the characters allowed in stream, consumer and
// subject tokens.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
