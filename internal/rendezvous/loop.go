package rendezvous

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs posted functions one at a time on a single goroutine, in post
// order. Every handler of one peer runs on its Loop, so handler state needs no
// locking.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Post enqueues fn. It never blocks and reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Sync waits until everything posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !l.Post(func() { close(ch) }) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Close drops queued work and stops the loop. Safe to call from a handler.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Loop) Done() <-chan struct{} { return l.done }

// Timer is a revocable timeout whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Load() {
				return
			}
			tm.stopped.Store(true)
			fn()
		})
	})
	return tm
}

// Stop revokes the timer. A callback already queued on the loop is skipped.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

func (t *Timer) Active() bool {
	return t != nil && !t.stopped.Load()
}

// Watch is a subscription whose callbacks run on a loop.
type Watch struct {
	sub       Subscription
	cancelled atomic.Bool
}

func (l *Loop) Watch(ctx context.Context, st Store, path string, fn func(Snapshot)) (*Watch, error) {
	w := &Watch{}
	sub, err := st.Subscribe(ctx, path, func(s Snapshot) {
		l.Post(func() {
			if w.cancelled.Load() {
				return
			}
			fn(s)
		})
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

func (l *Loop) WatchQuery(ctx context.Context, st Store, q Query, fn func([]Snapshot)) (*Watch, error) {
	w := &Watch{}
	sub, err := st.SubscribeQuery(ctx, q, func(res []Snapshot) {
		l.Post(func() {
			if w.cancelled.Load() {
				return
			}
			fn(res)
		})
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

// Cancel revokes the watch. Snapshots already queued on the loop are skipped.
func (w *Watch) Cancel() {
	if w == nil || w.cancelled.Swap(true) {
		return
	}
	if w.sub != nil {
		w.sub.Cancel()
	}
}
