// Package memory is an in-process broker. Queues behave like RabbitMQ's:
// work queues are shared by competing consumers, reply queues are exclusive
// to the connection that declared them, and unacknowledged messages go back
// to the head of their queue when their consumer disappears.
//
// It backs tests and single-process development setups, and can inject
// faults (failed dials, failed publishes, dropped connections).
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mrjvadi/tattoo-broker/broker"
)

var (
	ErrUnreachable   = errors.New("memory broker: unreachable")
	ErrConnClosed    = errors.New("memory broker: connection closed")
	ErrNoQueue       = errors.New("memory broker: no such queue")
	ErrExclusiveLock = errors.New("memory broker: queue is exclusive to another connection")
	ErrUnknownTag    = errors.New("memory broker: unknown delivery tag")
)

// ReplyQueuePrefix prefixes the names of generated reply queues.
const ReplyQueuePrefix = "amq.gen-"

type envelope struct {
	tag         uint64
	msg         broker.Message
	redelivered bool
}

type queue struct {
	name      string
	owner     *Conn // nil for shared work queues
	ready     []envelope
	consumers int
	deleted   bool
	wake      chan struct{}
}

// notify wakes every pump waiting on q. Callers hold Broker.mu.
func (q *queue) notify() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type consumer struct {
	conn     *Conn
	q        *queue
	opts     broker.ConsumeOptions
	held     map[uint64]envelope
	released bool
}

// Broker holds the queues. The zero value is not usable; call New.
type Broker struct {
	mu            sync.Mutex
	queues        map[string]*queue
	conns         map[*Conn]struct{}
	nextTag       uint64
	failDials     int
	failPublishes int
	published     map[string]int
}

func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
		published: make(map[string]int),
	}
}

// Dial opens a connection. It satisfies broker.Dialer.
func (b *Broker) Dial(ctx context.Context) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrUnreachable
	}
	c := &Conn{
		b:         b,
		done:      make(chan struct{}),
		consumers: make(map[*consumer]struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next n Dial calls fail with ErrUnreachable.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// FailPublishes makes the next n Publish calls fail with ErrUnreachable.
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	b.failPublishes = n
	b.mu.Unlock()
}

// DropConnections closes every open connection as if the broker went away.
func (b *Broker) DropConnections() int {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Stats returns how many messages of queue wait for a consumer and how many
// are delivered but not yet acknowledged.
func (b *Broker) Stats(name string) (ready, unacked int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0, false
	}
	for c := range b.conns {
		for cons := range c.consumers {
			if cons.q == q {
				unacked += len(cons.held)
			}
		}
	}
	return len(q.ready), unacked, true
}

// HasQueue reports whether name is currently declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues lists the declared queues in name order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Published counts the messages ever accepted for name.
func (b *Broker) Published(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[name]
}

// Conn is one connection to a Broker.
type Conn struct {
	b         *Broker
	done      chan struct{}
	closed    bool
	consumers map[*consumer]struct{}
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) DeclareWorkQueue(ctx context.Context, name string) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != c {
			return fmt.Errorf("declare %q: %w", name, ErrExclusiveLock)
		}
		return nil
	}
	b.queues[name] = &queue{name: name, wake: make(chan struct{})}
	return nil
}

func (c *Conn) DeclareReplyQueue(ctx context.Context) (string, error) {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return "", ErrConnClosed
	}
	name := ReplyQueuePrefix + uuid.NewString()
	b.queues[name] = &queue{name: name, owner: c, wake: make(chan struct{})}
	return name, nil
}

func (c *Conn) DeleteQueue(ctx context.Context, name string) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	if q.owner != nil && q.owner != c {
		return fmt.Errorf("delete %q: %w", name, ErrExclusiveLock)
	}
	b.dropQueue(q)
	return nil
}

// Publish appends msg to queue. Messages for a queue that does not exist are
// dropped, as an AMQP default-exchange publish would be.
func (c *Conn) Publish(ctx context.Context, name string, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		return ErrUnreachable
	}
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	b.nextTag++
	msg.Body = append([]byte(nil), msg.Body...)
	q.ready = append(q.ready, envelope{tag: b.nextTag, msg: msg})
	b.published[name]++
	q.notify()
	return nil
}

func (c *Conn) Consume(ctx context.Context, name string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	b := c.b
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return nil, ErrConnClosed
	}
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("consume %q: %w", name, ErrNoQueue)
	}
	if q.owner != nil && q.owner != c {
		b.mu.Unlock()
		return nil, fmt.Errorf("consume %q: %w", name, ErrExclusiveLock)
	}
	if opts.Exclusive && q.consumers > 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("consume %q: %w", name, ErrExclusiveLock)
	}
	cons := &consumer{conn: c, q: q, opts: opts, held: make(map[uint64]envelope)}
	c.consumers[cons] = struct{}{}
	q.consumers++
	b.mu.Unlock()

	out := make(chan broker.Delivery)
	go c.pump(ctx, cons, out)
	return out, nil
}

// Close closes the connection. Exclusive queues it declared are deleted and
// its unacknowledged deliveries are requeued.
func (c *Conn) Close() error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	delete(b.conns, c)

	for cons := range c.consumers {
		b.release(cons)
	}
	for _, q := range b.queues {
		if q.owner == c {
			b.dropQueue(q)
		}
	}
	return nil
}

func (c *Conn) pump(ctx context.Context, cons *consumer, out chan<- broker.Delivery) {
	b := c.b
	defer close(out)
	defer func() {
		b.mu.Lock()
		b.release(cons)
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if cons.released || cons.q.deleted {
			b.mu.Unlock()
			return
		}
		env, ok := b.next(cons)
		wake := cons.q.wake
		b.mu.Unlock()

		if !ok {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}

		d := broker.Delivery{Message: env.msg}
		if !cons.opts.AutoAck {
			d.Acker = &acker{b: b, cons: cons, tag: env.tag}
		}
		select {
		case out <- d:
		case <-ctx.Done():
			if cons.opts.AutoAck {
				b.mu.Lock()
				b.requeue(cons.q, env)
				b.mu.Unlock()
			}
			return
		case <-c.done:
			return
		}
	}
}

// next pops the head of the queue if the consumer's prefetch window allows.
// Callers hold b.mu.
func (b *Broker) next(cons *consumer) (envelope, bool) {
	q := cons.q
	if len(q.ready) == 0 {
		return envelope{}, false
	}
	if !cons.opts.AutoAck && cons.opts.Prefetch > 0 && len(cons.held) >= cons.opts.Prefetch {
		return envelope{}, false
	}
	env := q.ready[0]
	q.ready = q.ready[1:]
	if !cons.opts.AutoAck {
		cons.held[env.tag] = env
	}
	return env, true
}

// release detaches a consumer and puts whatever it still holds back at the
// head of its queue in delivery order. Callers hold b.mu.
func (b *Broker) release(cons *consumer) {
	if cons.released {
		return
	}
	cons.released = true
	delete(cons.conn.consumers, cons)
	cons.q.consumers--

	held := make([]envelope, 0, len(cons.held))
	for _, env := range cons.held {
		held = append(held, env)
	}
	cons.held = map[uint64]envelope{}
	sort.Slice(held, func(i, j int) bool { return held[i].tag > held[j].tag })
	for _, env := range held {
		b.requeue(cons.q, env)
	}
	cons.q.notify()
}

func (b *Broker) requeue(q *queue, env envelope) {
	if q.deleted {
		return
	}
	env.redelivered = true
	q.ready = append([]envelope{env}, q.ready...)
	q.notify()
}

func (b *Broker) dropQueue(q *queue) {
	q.deleted = true
	q.ready = nil
	delete(b.queues, q.name)
	q.notify()
}

type acker struct {
	b    *Broker
	cons *consumer
	tag  uint64
}

func (a *acker) Ack(ctx context.Context) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if a.cons.released || a.cons.conn.closed {
		return ErrConnClosed
	}
	if _, ok := a.cons.held[a.tag]; !ok {
		return ErrUnknownTag
	}
	delete(a.cons.held, a.tag)
	a.cons.q.notify()
	return nil
}
