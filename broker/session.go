package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a broker session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const teardownTimeout = 5 * time.Second

// session owns one Conn at a time and the per-connection resources T built
// on top of it (the client's reply listener, for instance). It is shared by
// Client and Worker.
//
// At most one caller dials at a time and it does so without holding mu;
// other callers wait on dialing or on their own ctx.
type session[T any] struct {
	dialer Dialer
	logger *zap.Logger

	// setup declares queues and starts listeners on a fresh Conn.
	setup func(ctx context.Context, conn Conn) (T, error)
	// teardown releases T. graceful is false when the Conn is already gone.
	teardown func(ctx context.Context, conn Conn, res T, graceful bool)
	// lost runs after an unexpected connection loss has been cleaned up.
	lost func(err error)

	mu      sync.Mutex
	state   State
	conn    Conn
	res     T
	closed  bool
	dialing chan struct{} // closed when the dial in flight finishes
	base    context.Context
	cancel  context.CancelFunc // aborts a dial in flight on shutdown
}

// acquire returns the live Conn, establishing it first if needed.
func (s *session[T]) acquire(ctx context.Context) (Conn, T, error) {
	var zero T

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, zero, ErrSessionClosed
		}
		if s.state == StateConnected && !isDone(s.conn) {
			conn, res := s.conn, s.res
			s.mu.Unlock()
			return conn, res, nil
		}
		if wait := s.dialing; wait != nil {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, zero, ctx.Err()
			}
		}

		stale, staleRes := s.conn, s.res
		s.conn, s.res = nil, zero
		s.state = StateConnecting
		done := make(chan struct{})
		s.dialing = done
		if s.base == nil {
			s.base, s.cancel = context.WithCancel(context.Background())
		}
		base := s.base
		s.mu.Unlock()

		if stale != nil {
			_ = s.release(stale, staleRes, false)
			if s.lost != nil {
				s.lost(ErrConnectionLost)
			}
		}
		conn, res, err := s.connect(ctx, base)

		s.mu.Lock()
		s.dialing = nil
		close(done)
		if err != nil {
			s.state = StateDisconnected
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil, zero, ErrSessionClosed
			}
			return nil, zero, err
		}
		if s.closed {
			s.mu.Unlock()
			_ = s.release(conn, res, true)
			return nil, zero, ErrSessionClosed
		}
		s.conn, s.res, s.state = conn, res, StateConnected
		s.mu.Unlock()

		s.logger.Debug("broker session established")
		go s.watch(conn)
		return conn, res, nil
	}
}

// connect dials and runs setup under ctx, aborted early if base is cancelled.
func (s *session[T]) connect(ctx, base context.Context) (Conn, T, error) {
	var zero T

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	conn, err := s.dialer.Dial(dctx)
	if err != nil {
		return nil, zero, fmt.Errorf("dial broker: %w", err)
	}
	res, err := s.setup(dctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, zero, err
	}
	return conn, res, nil
}

func (s *session[T]) watch(conn Conn) {
	<-conn.Done()
	s.invalidate(conn, ErrConnectionLost)
}

// invalidate moves Connected to Disconnected if conn is still the current
// one. Later acquire calls will dial again.
func (s *session[T]) invalidate(conn Conn, cause error) {
	var zero T

	s.mu.Lock()
	if s.conn != conn || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	res := s.res
	s.conn, s.res = nil, zero
	s.state = StateDisconnected
	s.mu.Unlock()

	s.logger.Warn("broker session lost", zap.Error(cause))
	_ = s.release(conn, res, false)
	if s.lost != nil {
		s.lost(cause)
	}
}

// shutdown tears the session down for good. A dial in flight is aborted.
func (s *session[T]) shutdown() error {
	var zero T

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateDisconnecting
	conn, res := s.conn, s.res
	s.conn, s.res = nil, zero
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = s.release(conn, res, !isDone(conn))
	}
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	return err
}

func (s *session[T]) release(conn Conn, res T, graceful bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if s.teardown != nil {
		s.teardown(ctx, conn, res, graceful)
	}
	return conn.Close()
}

func (s *session[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
