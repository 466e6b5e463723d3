package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLoopTimerStopSkipsCallback(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var mu sync.Mutex
	fired := false
	tm := l.AfterFunc(20*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	tm.Stop()
	time.Sleep(50 * time.Millisecond)
	_ = l.Sync(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if tm.Active() {
		t.Fatalf("stopped timer still active")
	}
}

func TestLoopTimerFires(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	done := make(chan struct{})
	l.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestLoopPostAfterClose(t *testing.T) {
	l := NewLoop()
	l.Close()
	<-l.Done()
	if l.Post(func() {}) {
		t.Fatalf("Post after Close returned true")
	}
	if err := l.Sync(context.Background()); err != ErrClosed {
		t.Fatalf("Sync() error = %v, want ErrClosed", err)
	}
}
