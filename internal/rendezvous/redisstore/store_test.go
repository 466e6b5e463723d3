package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"duoplay/internal/rendezvous"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func openStores(t *testing.T, n int) (*miniredis.Miniredis, []*Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	out := make([]*Store, 0, n)
	for i := 0; i < n; i++ {
		s, err := New(context.Background(), rdb, Options{HeartbeatTTL: 3 * time.Second})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		out = append(out, s)
	}
	return mr, out
}

// crash stops the heartbeat without committing onDisconnect writes.
func crash(s *Store) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.stopHB)
	<-s.hbDone
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSetOnceAcrossDocuments(t *testing.T) {
	_, stores := openStores(t, 1)
	s := stores[0]
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "users/a", map[string]any{"coins": 100, "name": "A"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Update(ctx, "", map[string]any{"users/a/coins": 40, "users/b/name": "B"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	snap, err := s.Once(ctx, "users")
	if err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if snap.Child("a/coins").Int() != 40 || snap.Child("b/name").Str() != "B" {
		t.Fatalf("unexpected tree %+v", snap.Value())
	}
	deep, err := s.Once(ctx, "users/a/name")
	if err != nil || deep.Str() != "A" {
		t.Fatalf("Once(users/a/name) = %q, %v", deep.Str(), err)
	}
	if err := s.Set(ctx, "users/a", nil); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	gone, _ := s.Once(ctx, "users/a")
	if gone.Exists() {
		t.Fatalf("users/a still exists")
	}
}

func TestTransactionOnCollection(t *testing.T) {
	_, stores := openStores(t, 2)
	a, b := stores[0], stores[1]
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	_ = a.Set(ctx, "waitingPool/k1", map[string]any{"userId": "u1"})
	_ = a.Set(ctx, "waitingPool/k2", map[string]any{"userId": "u2"})

	claim := func(s *Store, key string) bool {
		_, ok, err := s.Transaction(ctx, "waitingPool", func(cur rendezvous.Snapshot) (any, error) {
			if !cur.Child(key).Exists() {
				return nil, rendezvous.ErrAbort
			}
			return rendezvous.Patch(cur.Value(), map[string]any{key: nil}), nil
		})
		if err != nil {
			t.Fatalf("Transaction() error = %v", err)
		}
		return ok
	}
	if !claim(a, "k1") {
		t.Fatalf("first claim aborted")
	}
	if claim(b, "k1") {
		t.Fatalf("second claim of the same entry committed")
	}
	pool, _ := b.Once(ctx, "waitingPool")
	if pool.ChildCount() != 1 || !pool.Child("k2").Exists() {
		t.Fatalf("unexpected pool %+v", pool.Value())
	}
}

func TestConcurrentIncrements(t *testing.T) {
	_, stores := openStores(t, 4)
	ctx := context.Background()
	_ = stores[0].Set(ctx, "users/a/gameTokens", 0)

	var wg sync.WaitGroup
	for _, s := range stores {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _, err := s.Transaction(ctx, "users/a/gameTokens", func(cur rendezvous.Snapshot) (any, error) {
					return cur.Int() + 1, nil
				})
				if err != nil {
					t.Errorf("Transaction() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()
	snap, _ := stores[0].Once(ctx, "users/a/gameTokens")
	if snap.Int() != 20 {
		t.Fatalf("gameTokens = %d, want 20", snap.Int())
	}
	for _, s := range stores {
		_ = s.Close()
	}
}

func TestSubscribeSeesRemoteWrites(t *testing.T) {
	_, stores := openStores(t, 2)
	a, b := stores[0], stores[1]
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var phases []string
	sub, err := a.Subscribe(ctx, "gameRooms/r1", func(s rendezvous.Snapshot) {
		mu.Lock()
		phases = append(phases, s.Child("gamePhase").Str())
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Cancel()

	_ = b.Set(ctx, "gameRooms/r1/gamePhase", "waiting_players")
	waitFor(t, "remote phase", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == "waiting_players"
	})
	mu.Lock()
	if phases[0] != "" {
		t.Fatalf("first delivery = %q, want empty current value", phases[0])
	}
	mu.Unlock()
}

func TestSubscribeQueryOnCollection(t *testing.T) {
	_, stores := openStores(t, 2)
	a, b := stores[0], stores[1]
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var matched []string
	_, err := a.SubscribeQuery(ctx, rendezvous.Query{Path: "chatRooms", OrderByChild: "participant1", EqualTo: "u1"}, func(res []rendezvous.Snapshot) {
		mu.Lock()
		matched = matched[:0]
		for _, r := range res {
			matched = append(matched, r.Key())
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeQuery() error = %v", err)
	}
	key, err := b.Push(ctx, "chatRooms", map[string]any{"participant1": "u1", "participant2": "u2"})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	waitFor(t, "query result", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(matched) == 1 && matched[0] == key
	})
}

func TestCloseCommitsOnDisconnect(t *testing.T) {
	_, stores := openStores(t, 2)
	a, b := stores[0], stores[1]
	defer b.Close()
	ctx := context.Background()

	_ = a.Set(ctx, "userPresence/a", map[string]any{"online": true, "name": "A"})
	if err := a.OnDisconnect(ctx, "userPresence/a/online", false); err != nil {
		t.Fatalf("OnDisconnect() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	snap, _ := b.Once(ctx, "userPresence/a")
	if snap.Child("online").Bool() || snap.Child("name").Str() != "A" {
		t.Fatalf("unexpected presence after close %+v", snap.Value())
	}
}

func TestReapExpiredConnection(t *testing.T) {
	mr, stores := openStores(t, 2)
	a, b := stores[0], stores[1]
	defer b.Close()
	ctx := context.Background()

	_ = a.Set(ctx, "userPresence/a/online", true)
	_ = a.OnDisconnect(ctx, "userPresence/a/online", false)
	crash(a)

	n, err := b.Reap(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Reap() before expiry = %d, %v", n, err)
	}
	mr.FastForward(4 * time.Second)
	n, err = b.Reap(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reap() after expiry = %d, %v, want 1", n, err)
	}
	snap, _ := b.Once(ctx, "userPresence/a/online")
	if snap.Bool() {
		t.Fatalf("presence still online after reap")
	}
	n, _ = b.Reap(ctx)
	if n != 0 {
		t.Fatalf("second Reap() = %d, want 0", n)
	}
}
