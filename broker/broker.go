package broker

import (
	"context"
)

// Message is what travels through a queue. CorrelationID and ReplyTo are
// carried as message properties, never inside Body.
type Message struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	Persistent    bool
}

// ConsumeOptions controls a single subscription on a queue.
type ConsumeOptions struct {
	// AutoAck removes messages from the queue as soon as they are delivered.
	AutoAck bool
	// Exclusive asks the broker to refuse other consumers on the same queue.
	Exclusive bool
	// Prefetch bounds unacknowledged deliveries held by this consumer.
	// Ignored when AutoAck is set.
	Prefetch int
}

// Acknowledger settles a delivery that was consumed without AutoAck.
type Acknowledger interface {
	Ack(ctx context.Context) error
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Message
	Acker Acknowledger
}

// Ack acknowledges the delivery. It is a no-op for auto-acked deliveries.
func (d Delivery) Ack(ctx context.Context) error {
	if d.Acker == nil {
		return nil
	}
	return d.Acker.Ack(ctx)
}

// Conn is one live broker session (connection plus channel).
//
// Work queues are durable and shared; reply queues are private to the Conn
// that declared them and disappear with it.
type Conn interface {
	DeclareWorkQueue(ctx context.Context, name string) error
	DeclareReplyQueue(ctx context.Context) (string, error)
	DeleteQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, queue string, msg Message) error
	// Consume streams deliveries until ctx is done or the Conn is closed,
	// then closes the returned channel.
	Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan Delivery, error)
	// Done is closed once the Conn is unusable, whether closed locally or lost.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens broker sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

func isDone(c Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
