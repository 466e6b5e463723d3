package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duoplay/internal/rendezvous"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSetUpdateAndOnce(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	c := srv.Connect()
	ctx := context.Background()

	if err := c.Set(ctx, "users/a", map[string]any{"coins": 100, "name": "A"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Update(ctx, "", map[string]any{"users/a/coins": 50, "users/b/name": "B"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	snap, err := c.Once(ctx, "users")
	if err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if snap.Child("a/coins").Int() != 50 || snap.Child("a/name").Str() != "A" || snap.Child("b/name").Str() != "B" {
		t.Fatalf("unexpected tree %+v", snap.Value())
	}
	if err := c.Set(ctx, "users/a", nil); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if srv.Get("users/a").Exists() {
		t.Fatalf("users/a still exists")
	}
}

func TestTransactionAbortLeavesValue(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	c := srv.Connect()
	ctx := context.Background()
	_ = c.Set(ctx, "users/a/coins", 3)

	_, committed, err := c.Transaction(ctx, "users/a/coins", func(cur rendezvous.Snapshot) (any, error) {
		if cur.Int() < 5 {
			return nil, rendezvous.ErrAbort
		}
		return cur.Int() - 5, nil
	})
	if err != nil || committed {
		t.Fatalf("Transaction() = committed %v err %v, want abort", committed, err)
	}
	if srv.Get("users/a/coins").Int() != 3 {
		t.Fatalf("value changed on abort")
	}
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	ctx := context.Background()
	_ = srv.Connect().Set(ctx, "counter", 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := srv.Connect()
			for {
				_, ok, err := c.Transaction(ctx, "counter", func(cur rendezvous.Snapshot) (any, error) {
					return cur.Int() + 1, nil
				})
				if errors.Is(err, rendezvous.ErrTooManyRetries) {
					continue
				}
				if err != nil || !ok {
					t.Errorf("transaction failed: %v", err)
				}
				return
			}
		}()
	}
	wg.Wait()
	if got := srv.Get("counter").Int(); got != 20 {
		t.Fatalf("counter = %d, want 20", got)
	}
}

func TestSubscribeDeliversCurrentThenChanges(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	c := srv.Connect()
	ctx := context.Background()
	_ = c.Set(ctx, "rooms/r1/phase", "waiting_players")

	var mu sync.Mutex
	var phases []string
	sub, err := c.Subscribe(ctx, "rooms/r1", func(s rendezvous.Snapshot) {
		mu.Lock()
		phases = append(phases, s.Child("phase").Str())
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_ = c.Set(ctx, "rooms/r1/phase", "waiting_choices")
	_ = c.Set(ctx, "rooms/r1/phase", "waiting_choices")
	_ = c.Set(ctx, "rooms/r2/phase", "other")
	_ = c.Set(ctx, "rooms/r1/phase", "reveal_results")

	waitFor(t, "three snapshots", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) >= 3
	})
	sub.Cancel()
	_ = c.Set(ctx, "rooms/r1/phase", "game_over")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"waiting_players", "waiting_choices", "reveal_results"}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestSubscribeQuery(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	c := srv.Connect()
	ctx := context.Background()

	var mu sync.Mutex
	var last []rendezvous.Snapshot
	_, err := c.SubscribeQuery(ctx, rendezvous.Query{Path: "chatRooms", OrderByChild: "participant2", EqualTo: "u2"}, func(res []rendezvous.Snapshot) {
		mu.Lock()
		last = res
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeQuery() error = %v", err)
	}
	_, _ = c.Push(ctx, "chatRooms", map[string]any{"participant1": "u1", "participant2": "u3"})
	key, _ := c.Push(ctx, "chatRooms", map[string]any{"participant1": "u1", "participant2": "u2"})

	waitFor(t, "query match", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].Key() == key
	})
}

func TestCloseCommitsOnDisconnect(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	ctx := context.Background()
	c := srv.Connect()
	_ = c.Set(ctx, "userPresence/a", map[string]any{"online": true})
	if err := c.OnDisconnect(ctx, "userPresence/a/online", false); err != nil {
		t.Fatalf("OnDisconnect() error = %v", err)
	}
	if err := c.OnDisconnect(ctx, "waitingPool/k1", nil); err != nil {
		t.Fatalf("OnDisconnect() error = %v", err)
	}
	_ = c.Close()

	if srv.Get("userPresence/a/online").Bool() {
		t.Fatalf("presence still online after close")
	}
	if err := c.Set(ctx, "x", 1); !errors.Is(err, rendezvous.ErrClosed) {
		t.Fatalf("Set after close error = %v, want ErrClosed", err)
	}
}

func TestCancelOnDisconnect(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	ctx := context.Background()
	c := srv.Connect()
	_ = c.Set(ctx, "userPresence/a/online", true)
	_ = c.OnDisconnect(ctx, "userPresence/a/online", false)
	_ = c.CancelOnDisconnect(ctx, "userPresence/a/online")
	_ = c.Close()
	if !srv.Get("userPresence/a/online").Bool() {
		t.Fatalf("cancelled onDisconnect write was committed")
	}
}

func TestLoopWatchCancelSkipsQueued(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	ctx := context.Background()
	c := srv.Connect()
	l := rendezvous.NewLoop()
	defer l.Close()

	count := 0
	block := make(chan struct{})
	l.Post(func() { <-block })
	w, err := l.Watch(ctx, c, "a", func(rendezvous.Snapshot) { count++ })
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	_ = c.Set(ctx, "a", 1)
	time.Sleep(20 * time.Millisecond)
	w.Cancel()
	close(block)
	_ = l.Sync(ctx)
	if count != 0 {
		t.Fatalf("count = %d, want 0 queued callbacks skipped", count)
	}
}
