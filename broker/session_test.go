package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeConn struct {
	once sync.Once
	done chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) DeclareWorkQueue(context.Context, string) error    { return nil }
func (c *fakeConn) DeclareReplyQueue(context.Context) (string, error) { return "reply", nil }
func (c *fakeConn) DeleteQueue(context.Context, string) error         { return nil }
func (c *fakeConn) Publish(context.Context, string, Message) error    { return nil }
func (c *fakeConn) Done() <-chan struct{}                             { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Consume(context.Context, string, ConsumeOptions) (<-chan Delivery, error) {
	return make(chan Delivery), nil
}

func TestSessionLifecycle(t *testing.T) {
	var dials atomic.Int32
	var lost atomic.Int32
	var graceful atomic.Bool
	var conns []*fakeConn
	var mu sync.Mutex

	s := &session[int]{
		dialer: DialerFunc(func(ctx context.Context) (Conn, error) {
			dials.Add(1)
			c := newFakeConn()
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			return c, nil
		}),
		logger: zap.NewNop(),
		setup: func(ctx context.Context, conn Conn) (int, error) {
			return int(dials.Load()), nil
		},
		teardown: func(ctx context.Context, conn Conn, res int, g bool) {
			graceful.Store(g)
		},
		lost: func(error) { lost.Add(1) },
	}
	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %s", s.State())
	}

	ctx := context.Background()
	conn, res, err := s.acquire(ctx)
	if err != nil || res != 1 {
		t.Fatalf("acquire = %d, %v", res, err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s", s.State())
	}
	again, _, _ := s.acquire(ctx)
	if again != conn || dials.Load() != 1 {
		t.Fatal("connected session must be reused")
	}

	// broker drops the connection
	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for lost.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if lost.Load() != 1 || graceful.Load() {
		t.Fatalf("lost=%d graceful=%v", lost.Load(), graceful.Load())
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state after loss = %s", s.State())
	}

	_, res, err = s.acquire(ctx)
	if err != nil || res != 2 {
		t.Fatalf("reacquire = %d, %v", res, err)
	}

	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !graceful.Load() {
		t.Fatal("shutdown of a live conn must be graceful")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}
	if _, _, err := s.acquire(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("acquire after shutdown: %v", err)
	}
	if lost.Load() != 1 {
		t.Fatalf("shutdown must not count as a loss")
	}
}

func TestSessionDialFailure(t *testing.T) {
	refused := errors.New("connection refused")
	s := &session[struct{}]{
		dialer: DialerFunc(func(ctx context.Context) (Conn, error) { return nil, refused }),
		logger: zap.NewNop(),
		setup:  func(context.Context, Conn) (struct{}, error) { return struct{}{}, nil },
	}
	if _, _, err := s.acquire(context.Background()); !errors.Is(err, refused) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}
}

func TestSessionSetupFailureClosesConn(t *testing.T) {
	c := newFakeConn()
	s := &session[struct{}]{
		dialer: DialerFunc(func(ctx context.Context) (Conn, error) { return c, nil }),
		logger: zap.NewNop(),
		setup: func(context.Context, Conn) (struct{}, error) {
			return struct{}{}, errors.New("queue declare refused")
		},
	}
	if _, _, err := s.acquire(context.Background()); err == nil {
		t.Fatal("expected setup error")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("conn left open after failed setup")
	}
}

// blockingDialer parks every Dial until its ctx is done.
func blockingDialer(started chan<- struct{}) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestSessionWaitersHonourTheirContext(t *testing.T) {
	started := make(chan struct{}, 4)
	s := &session[struct{}]{
		dialer: blockingDialer(started),
		logger: zap.NewNop(),
		setup:  func(context.Context, Conn) (struct{}, error) { return struct{}{}, nil },
	}

	slow, cancelSlow := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelSlow()
	go func() { _, _, _ = s.acquire(slow) }()
	<-started
	if s.State() != StateConnecting {
		t.Fatalf("state = %s", s.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := s.acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("waiter blocked behind the dial for %s", took)
	}
	if n := len(started); n != 0 {
		t.Fatalf("waiter dialed on its own (%d extra dials)", n)
	}
}

func TestSessionShutdownAbortsDial(t *testing.T) {
	started := make(chan struct{}, 1)
	s := &session[struct{}]{
		dialer: blockingDialer(started),
		logger: zap.NewNop(),
		setup:  func(context.Context, Conn) (struct{}, error) { return struct{}{}, nil },
	}

	errs := make(chan error, 1)
	go func() {
		_, _, err := s.acquire(context.Background())
		errs <- err
	}()
	<-started

	start := time.Now()
	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("shutdown waited %s for the dial", took)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("acquire = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dial not aborted by shutdown")
	}
}

func TestSessionConnWonAfterShutdownIsReleased(t *testing.T) {
	c := newFakeConn()
	release := make(chan struct{})
	s := &session[struct{}]{
		dialer: DialerFunc(func(ctx context.Context) (Conn, error) {
			<-release
			return c, nil
		}),
		logger: zap.NewNop(),
		setup:  func(context.Context, Conn) (struct{}, error) { return struct{}{}, nil },
	}
	errs := make(chan error, 1)
	go func() {
		_, _, err := s.acquire(context.Background())
		errs <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateConnecting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = s.shutdown()
	close(release)

	if err := <-errs; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("acquire = %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn dialed during shutdown left open")
	}
}
