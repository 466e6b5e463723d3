package testutil

import (
	"testing"
	"time"

	"duoplay/internal/config"
	"duoplay/internal/rendezvous/memstore"
)

// MemServer starts an in-process rendezvous server closed at test end.
func MemServer(t *testing.T) *memstore.Server {
	t.Helper()
	srv := memstore.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

// FastGame shrinks every protocol timeout so end-to-end tests finish quickly
// while keeping the reference tolls.
func FastGame() config.GameConfig {
	cfg := config.DefaultGame()
	cfg.MatchTimeout = 2 * time.Second
	cfg.Liveness = time.Second
	cfg.InviteTimeout = 2 * time.Second
	cfg.JoinTimeout = 2 * time.Second
	cfg.Countdown = 2 * time.Second
	cfg.Teardown = 50 * time.Millisecond
	cfg.Stall = 3 * time.Second
	cfg.PositionInterval = 10 * time.Millisecond
	return cfg
}

// WaitFor polls cond until it holds or a few seconds pass.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
