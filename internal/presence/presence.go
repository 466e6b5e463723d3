// Package presence maintains userPresence/{uid}, the only failure detector
// peers have. The store commits online=false on its own when a connection
// drops.
package presence

import (
	"context"
	"fmt"

	"duoplay/internal/rendezvous"
)

const Root = "userPresence"

type Record struct {
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
	Name     string `json:"name"`
}

type Tracker struct {
	st rendezvous.Store
}

func NewTracker(st rendezvous.Store) *Tracker {
	return &Tracker{st: st}
}

func path(uid string) string { return rendezvous.Join(Root, uid) }

// GoOnline registers the compensating offline write first, so there is no
// window where the record says online with nothing to flip it back.
func (t *Tracker) GoOnline(ctx context.Context, uid, name string) error {
	if uid == "" {
		return fmt.Errorf("%w: empty user id", rendezvous.ErrInvalidPath)
	}
	if err := t.st.OnDisconnect(ctx, path(uid), map[string]any{
		"online":   false,
		"lastSeen": rendezvous.ServerTimestamp,
		"name":     name,
	}); err != nil {
		return fmt.Errorf("register offline hook: %w", err)
	}
	return t.st.Set(ctx, path(uid), map[string]any{
		"online":   true,
		"lastSeen": rendezvous.ServerTimestamp,
		"name":     name,
	})
}

func (t *Tracker) GoOffline(ctx context.Context, uid string) error {
	if err := t.st.Update(ctx, path(uid), map[string]any{
		"online":   false,
		"lastSeen": rendezvous.ServerTimestamp,
	}); err != nil {
		return err
	}
	return t.st.CancelOnDisconnect(ctx, path(uid))
}

func (t *Tracker) Get(ctx context.Context, uid string) (Record, error) {
	snap, err := t.st.Once(ctx, path(uid))
	if err != nil {
		return Record{}, err
	}
	return recordOf(snap), nil
}

func recordOf(snap rendezvous.Snapshot) Record {
	return Record{
		Online:   snap.Child("online").Bool(),
		LastSeen: snap.Child("lastSeen").Int(),
		Name:     snap.Child("name").Str(),
	}
}

// Watch calls fn on l with the current state and then on every transition.
// A missing record counts as offline.
func (t *Tracker) Watch(ctx context.Context, l *rendezvous.Loop, uid string, fn func(online bool)) (*rendezvous.Watch, error) {
	first := true
	last := false
	return l.Watch(ctx, t.st, path(uid), func(s rendezvous.Snapshot) {
		online := s.Child("online").Bool()
		if !first && online == last {
			return
		}
		first = false
		last = online
		fn(online)
	})
}

// OnlineUsers returns the ids of online users, without exclude.
func (t *Tracker) OnlineUsers(ctx context.Context, exclude string) (map[string]Record, error) {
	res, err := t.st.Query(ctx, rendezvous.Query{Path: Root, OrderByChild: "online", EqualTo: true})
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(res))
	for _, s := range res {
		if s.Key() == exclude {
			continue
		}
		out[s.Key()] = recordOf(s)
	}
	return out, nil
}
