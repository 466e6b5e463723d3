package matchmaking

import (
	"context"
	"time"

	"duoplay/internal/config"
	"duoplay/internal/metrics"
	"duoplay/internal/rendezvous"
)

type SweepResult struct {
	PoolRemoved     int
	SessionsRemoved int
}

// Sweep deletes pool entries older than PoolStaleness and dead sessions older
// than SessionStaleness. Every delete re-checks its condition inside a
// transaction, so running it twice, or from two peers at once, is harmless.
func Sweep(ctx context.Context, st rendezvous.Store, now time.Time, cfg config.GameConfig) (SweepResult, error) {
	var res SweepResult

	poolCutoff := now.Add(-cfg.PoolStaleness).UnixMilli()
	stale, err := st.Query(ctx, rendezvous.Query{Path: PoolRoot, OrderByChild: "timestamp", EndAt: poolCutoff})
	if err != nil {
		metrics.StoreOps.WithLabelValues("sweep_pool", "error").Inc()
		return res, err
	}
	for _, e := range stale {
		removed, err := deleteIf(ctx, st, rendezvous.Join(PoolRoot, e.Key()), func(cur rendezvous.Snapshot) bool {
			return cur.Child("timestamp").Int() <= poolCutoff
		})
		if err != nil {
			metrics.StoreOps.WithLabelValues("sweep_pool", "error").Inc()
			return res, err
		}
		if removed {
			res.PoolRemoved++
		}
	}
	metrics.StoreOps.WithLabelValues("sweep_pool", "ok").Inc()

	sessionCutoff := now.Add(-cfg.SessionStaleness).UnixMilli()
	sessions, err := st.Query(ctx, rendezvous.Query{Path: SessionRoot, OrderByChild: "createdAt", EndAt: sessionCutoff})
	if err != nil {
		metrics.StoreOps.WithLabelValues("sweep_sessions", "error").Inc()
		return res, err
	}
	for _, s := range sessions {
		removed, err := deleteIf(ctx, st, rendezvous.Join(SessionRoot, s.Key()), func(cur rendezvous.Snapshot) bool {
			return cur.Child("createdAt").Int() <= sessionCutoff && SessionDead(cur)
		})
		if err != nil {
			metrics.StoreOps.WithLabelValues("sweep_sessions", "error").Inc()
			return res, err
		}
		if removed {
			res.SessionsRemoved++
		}
	}
	metrics.StoreOps.WithLabelValues("sweep_sessions", "ok").Inc()
	return res, nil
}

// SessionDead reports a session that is inactive or has no participant left.
func SessionDead(s rendezvous.Snapshot) bool {
	if !s.Child("active").Bool() {
		return true
	}
	for _, p := range s.Child("participants").Children() {
		if p.Bool() {
			return false
		}
	}
	return true
}

func deleteIf(ctx context.Context, st rendezvous.Store, path string, cond func(rendezvous.Snapshot) bool) (bool, error) {
	_, committed, err := st.Transaction(ctx, path, func(cur rendezvous.Snapshot) (any, error) {
		if !cur.Exists() || !cond(cur) {
			return nil, rendezvous.ErrAbort
		}
		return nil, nil
	})
	return committed, err
}
