package matchmaking

import (
	"context"
	"time"

	"duoplay/internal/rendezvous"
)

const (
	PoolRoot    = "waitingPool"
	SessionRoot = "chatRooms"
)

type candidate struct {
	key  string
	uid  string
	name string
}

// liveCandidates lists pool entries of online users other than self whose
// timestamp is inside the liveness window.
func liveCandidates(pool rendezvous.Snapshot, online map[string]bool, self string, now time.Time, liveness time.Duration) []candidate {
	var out []candidate
	cutoff := now.Add(-liveness).UnixMilli()
	for _, e := range pool.Children() {
		uid := e.Child("userId").Str()
		if uid == "" || uid == self || !online[uid] {
			continue
		}
		if e.Child("timestamp").Int() < cutoff {
			continue
		}
		out = append(out, candidate{key: e.Key(), uid: uid, name: e.Child("userName").Str()})
	}
	return out
}

// claimEntries removes the candidate's entry and, when ownKey is set, the
// claimant's own entry in one transaction on the pool. It aborts when either
// entry is already gone, so of two peers claiming each other exactly one
// commits. The removed candidate entry is returned for restoreEntry.
func claimEntries(ctx context.Context, st rendezvous.Store, c candidate, ownKey string) (any, bool, error) {
	var taken any
	_, committed, err := st.Transaction(ctx, PoolRoot, func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child(c.key).Child("userId").Str() != c.uid {
			return nil, rendezvous.ErrAbort
		}
		taken = cur.Child(c.key).Value()
		changes := map[string]any{c.key: nil}
		if ownKey != "" {
			if !cur.Child(ownKey).Exists() {
				return nil, rendezvous.ErrAbort
			}
			changes[ownKey] = nil
		}
		return rendezvous.Patch(cur.Value(), changes), nil
	})
	return taken, committed, err
}

// restoreEntry puts a claimed entry back under its old key unless something
// already occupies it.
func restoreEntry(ctx context.Context, st rendezvous.Store, key string, entry any) (bool, error) {
	_, committed, err := st.Transaction(ctx, rendezvous.Join(PoolRoot, key), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Exists() || entry == nil {
			return nil, rendezvous.ErrAbort
		}
		return entry, nil
	})
	return committed, err
}

func newSession(self, selfName string, c candidate) map[string]any {
	return map[string]any{
		"participant1": self,
		"participant2": c.uid,
		"participantNames": map[string]any{
			self:  selfName,
			c.uid: c.name,
		},
		"participants": map[string]any{
			self:  true,
			c.uid: true,
		},
		"createdAt":   rendezvous.ServerTimestamp,
		"active":      true,
		"poolEntryId": c.key,
	}
}

// removeIfPresent deletes the entry and reports whether it was still there.
func removeIfPresent(ctx context.Context, st rendezvous.Store, key string) (bool, error) {
	_, committed, err := st.Transaction(ctx, rendezvous.Join(PoolRoot, key), func(cur rendezvous.Snapshot) (any, error) {
		if !cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		return nil, nil
	})
	return committed, err
}

// refresh bumps the entry timestamp if the entry still exists.
func refresh(ctx context.Context, st rendezvous.Store, key string) (bool, error) {
	_, committed, err := st.Transaction(ctx, rendezvous.Join(PoolRoot, key), func(cur rendezvous.Snapshot) (any, error) {
		if !cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		next, ok := cur.Value().(map[string]any)
		if !ok {
			return nil, rendezvous.ErrAbort
		}
		next["timestamp"] = rendezvous.ServerTimestamp
		return next, nil
	})
	return committed, err
}
