package redisstore

import (
	"context"
	"sync"

	"duoplay/internal/rendezvous"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type pubsubSub struct {
	store  *Store
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (p *pubsubSub) Cancel() {
	p.once.Do(func() {
		p.cancel()
		_ = p.ps.Close()
		p.store.mu.Lock()
		delete(p.store.subs, p)
		p.store.mu.Unlock()
	})
}

func (s *Store) channelFor(path string) string {
	segs := rendezvous.Split(path)
	if len(segs) == 1 {
		return s.eventChannel(segs[0])
	}
	return s.eventChannel(segs[0] + "/" + segs[1])
}

// listen confirms the redis subscription before reading the current value, so
// no commit can fall between the initial read and the first event.
func (s *Store) listen(ctx context.Context, path string, read func(context.Context) (any, error), deliver func(any)) (rendezvous.Subscription, error) {
	if err := s.checkOpen(path); err != nil {
		return nil, err
	}
	ps := s.rdb.Subscribe(ctx, s.channelFor(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &pubsubSub{store: s, ps: ps, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		defer close(sub.done)
		var last any
		first := true
		emit := func() {
			v, err := read(runCtx)
			if err != nil {
				if runCtx.Err() == nil {
					log.Warn().Err(err).Str("path", path).Msg("rendezvous subscription read failed")
				}
				return
			}
			if !first && rendezvous.Equal(last, v) {
				return
			}
			first = false
			last = v
			deliver(v)
		}
		emit()
		for {
			select {
			case <-runCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return sub, nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn func(rendezvous.Snapshot)) (rendezvous.Subscription, error) {
	read := func(ctx context.Context) (any, error) {
		snap, err := s.Once(ctx, path)
		if err != nil {
			return nil, err
		}
		return snap.Value(), nil
	}
	return s.listen(ctx, path, read, func(v any) {
		fn(rendezvous.NewSnapshot(path, v))
	})
}

func (s *Store) SubscribeQuery(ctx context.Context, q rendezvous.Query, fn func([]rendezvous.Snapshot)) (rendezvous.Subscription, error) {
	read := func(ctx context.Context) (any, error) {
		res, err := s.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return s.listen(ctx, q.Path, read, func(v any) {
		res, _ := v.([]rendezvous.Snapshot)
		fn(res)
	})
}
