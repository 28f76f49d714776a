package broker

import (
	"context"
	"sync"
)

// Pending is the single-assignment response slot of one in-flight call.
type Pending struct {
	id string

	once sync.Once
	done chan struct{}
	res  TaskResult
	err  error
}

func (p *Pending) ID() string            { return p.id }
func (p *Pending) Done() <-chan struct{} { return p.done }

// settle assigns the slot. Only the first call has an effect.
func (p *Pending) settle(res TaskResult, err error) bool {
	won := false
	p.once.Do(func() {
		p.res, p.err = res, err
		close(p.done)
		won = true
	})
	return won
}

// Wait blocks until the slot is assigned or ctx is done.
func (p *Pending) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// CorrelationTable maps correlation ids to pending calls for one client.
// Callers Register and Forget their own entry; the reply listener Resolves.
// An entry leaves the table the moment it is resolved or failed.
type CorrelationTable struct {
	mu    sync.Mutex
	calls map[string]*Pending
}

func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{calls: make(map[string]*Pending)}
}

// Register creates the slot for id. It must run before the request is published.
func (t *CorrelationTable) Register(id string) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; ok {
		return nil, ErrDuplicateCorrelation
	}
	p := &Pending{id: id, done: make(chan struct{})}
	t.calls[id] = p
	return p, nil
}

// Resolve hands res to the waiter of id. It returns false for unknown,
// already resolved or forgotten ids.
func (t *CorrelationTable) Resolve(id string, res TaskResult) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	return p.settle(res, nil)
}

// Fail unblocks the waiter of id with err.
func (t *CorrelationTable) Fail(id string, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	return p.settle(TaskResult{CorrelationID: id}, err)
}

// FailAll unblocks every waiter with err and empties the table.
func (t *CorrelationTable) FailAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*Pending)
	t.mu.Unlock()

	n := 0
	for id, p := range calls {
		if p.settle(TaskResult{CorrelationID: id}, err) {
			n++
		}
	}
	return n
}

// Forget drops id without settling it. Safe to call for absent ids.
func (t *CorrelationTable) Forget(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// Len returns the number of pending calls.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *CorrelationTable) take(id string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return p
}
