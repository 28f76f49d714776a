package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCorrelationTableResolve(t *testing.T) {
	tab := NewCorrelationTable()
	p, err := tab.Register("a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := tab.Register("a"); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("duplicate register: %v", err)
	}

	if !tab.Resolve("a", TaskResult{CorrelationID: "a", Result: []string{"x.png"}}) {
		t.Fatal("first resolve lost")
	}
	if tab.Resolve("a", TaskResult{CorrelationID: "a", Result: []string{"y.png"}}) {
		t.Fatal("second resolve must be ignored")
	}
	if tab.Len() != 0 {
		t.Fatalf("len = %d", tab.Len())
	}

	res, err := p.Wait(context.Background())
	if err != nil || len(res.Result) != 1 || res.Result[0] != "x.png" {
		t.Fatalf("wait = %+v, %v", res, err)
	}
}

func TestCorrelationTableUnknownID(t *testing.T) {
	tab := NewCorrelationTable()
	p, _ := tab.Register("known")
	if tab.Resolve("unknown", TaskResult{}) {
		t.Fatal("resolved an unknown id")
	}
	select {
	case <-p.Done():
		t.Fatal("unrelated pending call was settled")
	default:
	}
	if tab.Len() != 1 {
		t.Fatalf("len = %d", tab.Len())
	}
}

func TestCorrelationTableForgetAndFail(t *testing.T) {
	tab := NewCorrelationTable()
	p, _ := tab.Register("a")
	tab.Forget("a")
	tab.Forget("a")
	if tab.Resolve("a", TaskResult{}) {
		t.Fatal("resolved a forgotten id")
	}

	q, _ := tab.Register("b")
	if !tab.Fail("b", ErrConnectionLost) {
		t.Fatal("fail lost")
	}
	if _, err := q.Wait(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("wait err = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("forgotten slot wait = %v", err)
	}
}

func TestCorrelationTableFailAll(t *testing.T) {
	tab := NewCorrelationTable()
	var slots []*Pending
	for _, id := range []string{"a", "b", "c"} {
		p, _ := tab.Register(id)
		slots = append(slots, p)
	}
	tab.Resolve("b", TaskResult{})

	if n := tab.FailAll(ErrClientClosed); n != 2 {
		t.Fatalf("failed %d, want 2", n)
	}
	if tab.Len() != 0 {
		t.Fatalf("len = %d", tab.Len())
	}
	for i, p := range slots {
		_, err := p.Wait(context.Background())
		if i == 1 {
			if err != nil {
				t.Fatalf("resolved slot got %v", err)
			}
			continue
		}
		if !errors.Is(err, ErrClientClosed) {
			t.Fatalf("slot %d err = %v", i, err)
		}
	}
}

func TestCorrelationTableConcurrentResolve(t *testing.T) {
	tab := NewCorrelationTable()
	p, _ := tab.Register("race")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tab.Resolve("race", TaskResult{CorrelationID: "race"}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d resolvers won", wins.Load())
	}
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
