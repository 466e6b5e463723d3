// Package memstore is an in-process rendezvous tree. One Server is shared by
// any number of Client connections.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"duoplay/internal/rendezvous"
)

type Server struct {
	mu       sync.Mutex
	root     any
	subs     map[uint64]*subscription
	nextSub  uint64
	now      func() time.Time
	dispatch *rendezvous.Loop
}

type subscription struct {
	id        uint64
	path      string
	query     *rendezvous.Query
	fn        func(rendezvous.Snapshot)
	qfn       func([]rendezvous.Snapshot)
	last      any
	cancelled atomic.Bool
}

type change struct {
	segs  []string
	value any
}

func NewServer() *Server {
	return &Server{
		subs:     map[uint64]*subscription{},
		now:      time.Now,
		dispatch: rendezvous.NewLoop(),
	}
}

func (s *Server) Close() {
	s.dispatch.Close()
}

// Get reads a path directly, bypassing any connection.
func (s *Server) Get(path string) rendezvous.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rendezvous.NewSnapshot(path, rendezvous.GetIn(s.root, rendezvous.Split(path)))
}

func (s *Server) Connect() *Client {
	return &Client{
		srv:          s,
		subs:         map[uint64]*subscription{},
		onDisconnect: map[string]any{},
	}
}

func (s *Server) normalize(v any) (any, error) {
	return rendezvous.Normalize(v, s.now())
}

// commitLocked applies changes and queues notifications. Callers hold s.mu.
func (s *Server) commitLocked(changes []change) {
	for _, c := range changes {
		s.root = rendezvous.SetIn(s.root, c.segs, c.value)
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sub := s.subs[id]
		watched := sub.path
		if sub.query != nil {
			watched = sub.query.Path
		}
		touched := false
		for _, c := range changes {
			if rendezvous.Overlaps(watched, rendezvous.Join(c.segs...)) {
				touched = true
				break
			}
		}
		if touched {
			s.notifyLocked(sub, false)
		}
	}
}

func (s *Server) notifyLocked(sub *subscription, initial bool) {
	if sub.query != nil {
		parent := rendezvous.NewSnapshot(sub.query.Path, rendezvous.GetIn(s.root, rendezvous.Split(sub.query.Path)))
		res := rendezvous.ApplyQuery(parent, *sub.query)
		vals := make([]any, 0, len(res))
		for _, r := range res {
			vals = append(vals, []any{r.Key(), r.Value()})
		}
		if !initial && rendezvous.Equal(sub.last, vals) {
			return
		}
		sub.last = vals
		s.dispatch.Post(func() {
			if !sub.cancelled.Load() {
				sub.qfn(res)
			}
		})
		return
	}
	val := rendezvous.GetIn(s.root, rendezvous.Split(sub.path))
	if !initial && rendezvous.Equal(sub.last, val) {
		return
	}
	sub.last = val
	snap := rendezvous.NewSnapshot(sub.path, val)
	s.dispatch.Post(func() {
		if !sub.cancelled.Load() {
			sub.fn(snap)
		}
	})
}

func (s *Server) addSub(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	s.notifyLocked(sub, true)
}

func (s *Server) removeSub(sub *subscription) {
	sub.cancelled.Store(true)
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
}

func (s *Server) write(changes []change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(changes)
}

func (s *Server) transaction(ctx context.Context, path string, fn rendezvous.TxFunc) (rendezvous.Snapshot, bool, error) {
	segs := rendezvous.Split(path)
	for i := 0; i < rendezvous.MaxTransactionRetries; i++ {
		if err := ctx.Err(); err != nil {
			return rendezvous.Snapshot{}, false, err
		}
		s.mu.Lock()
		cur := rendezvous.GetIn(s.root, segs)
		s.mu.Unlock()

		next, err := fn(rendezvous.NewSnapshot(path, cur))
		if err != nil {
			return rendezvous.NewSnapshot(path, cur), false, abortErr(err)
		}
		norm, err := s.normalize(next)
		if err != nil {
			return rendezvous.NewSnapshot(path, cur), false, err
		}

		s.mu.Lock()
		if !rendezvous.Equal(rendezvous.GetIn(s.root, segs), cur) {
			s.mu.Unlock()
			continue
		}
		s.commitLocked([]change{{segs: segs, value: norm}})
		s.mu.Unlock()
		return rendezvous.NewSnapshot(path, norm), true, nil
	}
	return rendezvous.Snapshot{}, false, rendezvous.ErrTooManyRetries
}

func abortErr(err error) error {
	if errors.Is(err, rendezvous.ErrAbort) {
		return nil
	}
	return err
}
