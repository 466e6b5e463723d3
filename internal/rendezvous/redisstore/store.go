// Package redisstore keeps the rendezvous tree in Redis.
//
// The first two path segments name a JSON document ("chatRooms/<id>" lives in
// key "rv:doc:chatRooms/<id>"); deeper paths edit inside that document. Every
// commit bumps the collection version key, so watching it detects any
// concurrent write to the collection.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"duoplay/internal/rendezvous"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultPrefix       = "rv:"
	defaultHeartbeatTTL = 15 * time.Second
	scanBatch           = 200
)

type Options struct {
	Prefix       string
	HeartbeatTTL time.Duration
}

type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	connID string
	now    func() time.Time

	mu     sync.Mutex
	subs   map[*pubsubSub]struct{}
	closed bool
	stopHB chan struct{}
	hbDone chan struct{}
}

var _ rendezvous.Store = (*Store)(nil)

var errNoChange = errors.New("no_change")

// New registers a connection on rdb. The caller owns rdb.
func New(ctx context.Context, rdb *redis.Client, opts Options) (*Store, error) {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = defaultHeartbeatTTL
	}
	s := &Store{
		rdb:    rdb,
		prefix: opts.Prefix,
		ttl:    opts.HeartbeatTTL,
		connID: uuid.NewString(),
		now:    time.Now,
		subs:   map[*pubsubSub]struct{}{},
		stopHB: make(chan struct{}),
		hbDone: make(chan struct{}),
	}
	pipe := rdb.TxPipeline()
	pipe.SAdd(ctx, s.connsKey(), s.connID)
	pipe.Set(ctx, s.heartbeatKey(s.connID), "1", s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	go s.heartbeat()
	return s, nil
}

func (s *Store) ConnID() string { return s.connID }

func (s *Store) docKey(doc string) string      { return s.prefix + "doc:" + doc }
func (s *Store) versionKey(col string) string  { return s.prefix + "ver:" + col }
func (s *Store) eventChannel(p string) string  { return s.prefix + "ev:" + p }
func (s *Store) heartbeatKey(id string) string { return s.prefix + "hb:" + id }
func (s *Store) onDisconnectKey(id string) string {
	return s.prefix + "od:" + id
}
func (s *Store) connsKey() string { return s.prefix + "conns" }

func (s *Store) heartbeat() {
	defer close(s.hbDone)
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopHB:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.ttl/3)
			if err := s.rdb.Set(ctx, s.heartbeatKey(s.connID), "1", s.ttl).Err(); err != nil {
				log.Warn().Err(err).Str("conn_id", s.connID).Msg("rendezvous heartbeat failed")
			}
			cancel()
		}
	}
}

func (s *Store) checkOpen(path string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return rendezvous.ErrClosed
	}
	if err := rendezvous.ValidatePath(path); err != nil {
		return err
	}
	if len(rendezvous.Split(path)) == 0 {
		return fmt.Errorf("%w: root path", rendezvous.ErrUnsupported)
	}
	return nil
}

// scope lists what has to be loaded to read or write a set of paths.
type scope struct {
	collections map[string]bool
	docs        map[string]bool
}

func scopeOf(paths ...string) scope {
	sc := scope{collections: map[string]bool{}, docs: map[string]bool{}}
	for _, p := range paths {
		segs := rendezvous.Split(p)
		switch {
		case len(segs) == 1:
			sc.collections[segs[0]] = true
		case len(segs) >= 2:
			sc.docs[segs[0]+"/"+segs[1]] = true
		}
	}
	return sc
}

func (sc scope) versionKeys(s *Store) []string {
	seen := map[string]bool{}
	var keys []string
	add := func(col string) {
		if !seen[col] {
			seen[col] = true
			keys = append(keys, s.versionKey(col))
		}
	}
	for col := range sc.collections {
		add(col)
	}
	for doc := range sc.docs {
		add(rendezvous.Split(doc)[0])
	}
	return keys
}

// load reads every document in scope into a partial tree.
func (s *Store) load(ctx context.Context, c reader, sc scope) (any, map[string]bool, error) {
	docs := map[string]bool{}
	for doc := range sc.docs {
		if !sc.collections[rendezvous.Split(doc)[0]] {
			docs[doc] = true
		}
	}
	for col := range sc.collections {
		var cursor uint64
		for {
			keys, next, err := c.Scan(ctx, cursor, s.docKey(col+"/*"), scanBatch).Result()
			if err != nil {
				return nil, nil, err
			}
			for _, k := range keys {
				docs[k[len(s.docKey("")):]] = true
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	if len(docs) == 0 {
		return nil, docs, nil
	}
	names := make([]string, 0, len(docs))
	keys := make([]string, 0, len(docs))
	for doc := range docs {
		names = append(names, doc)
		keys = append(keys, s.docKey(doc))
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}
	var root any
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", names[i], err)
		}
		root = rendezvous.SetIn(root, rendezvous.Split(names[i]), v)
	}
	return root, docs, nil
}

type reader interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

type write struct {
	path  string
	value any
}

// commit loads paths, asks build for writes and applies them atomically.
// build may return rendezvous.ErrAbort.
func (s *Store) commit(ctx context.Context, paths []string, build func(root any) ([]write, error)) (any, bool, error) {
	sc := scopeOf(paths...)
	watch := sc.versionKeys(s)
	var result any
	for i := 0; i < rendezvous.MaxTransactionRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			root, loaded, err := s.load(ctx, tx, sc)
			if err != nil {
				return err
			}
			if len(paths) == 1 {
				result = rendezvous.GetIn(root, rendezvous.Split(paths[0]))
			}
			writes, err := build(root)
			if err != nil {
				return err
			}
			next := root
			for _, w := range writes {
				next = rendezvous.SetIn(next, rendezvous.Split(w.path), w.value)
			}
			if len(paths) == 1 {
				result = rendezvous.GetIn(next, rendezvous.Split(paths[0]))
			}
			changed := changedDocs(root, next, loaded, sc)
			if len(changed) == 0 {
				return errNoChange
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				cols := map[string]bool{}
				for _, doc := range changed {
					val := rendezvous.GetIn(next, rendezvous.Split(doc))
					if val == nil {
						pipe.Del(ctx, s.docKey(doc))
					} else {
						raw, err := json.Marshal(val)
						if err != nil {
							return err
						}
						pipe.Set(ctx, s.docKey(doc), raw, 0)
					}
					col := rendezvous.Split(doc)[0]
					cols[col] = true
					pipe.Publish(ctx, s.eventChannel(doc), doc)
				}
				for col := range cols {
					pipe.Incr(ctx, s.versionKey(col))
					pipe.Publish(ctx, s.eventChannel(col), col)
				}
				return nil
			})
			return err
		}, watch...)
		switch {
		case err == nil, errors.Is(err, errNoChange):
			return result, true, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, rendezvous.ErrAbort):
			return result, false, nil
		default:
			return nil, false, err
		}
	}
	return nil, false, rendezvous.ErrTooManyRetries
}

func changedDocs(before, after any, loaded map[string]bool, sc scope) []string {
	cands := map[string]bool{}
	for doc := range loaded {
		cands[doc] = true
	}
	for doc := range sc.docs {
		cands[doc] = true
	}
	for col := range sc.collections {
		if m, ok := rendezvous.GetIn(after, []string{col}).(map[string]any); ok {
			for id := range m {
				cands[col+"/"+id] = true
			}
		}
	}
	var out []string
	for doc := range cands {
		segs := rendezvous.Split(doc)
		if !rendezvous.Equal(rendezvous.GetIn(before, segs), rendezvous.GetIn(after, segs)) {
			out = append(out, doc)
		}
	}
	return out
}

func (s *Store) Once(ctx context.Context, path string) (rendezvous.Snapshot, error) {
	if err := s.checkOpen(path); err != nil {
		return rendezvous.Snapshot{}, err
	}
	root, _, err := s.load(ctx, s.rdb, scopeOf(path))
	if err != nil {
		return rendezvous.Snapshot{}, err
	}
	return rendezvous.NewSnapshot(path, rendezvous.GetIn(root, rendezvous.Split(path))), nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, path, map[string]any{"": value})
}

func (s *Store) Update(ctx context.Context, base string, values map[string]any) error {
	rels := make([]string, 0, len(values))
	for rel := range values {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	writes := make([]write, 0, len(values))
	paths := make([]string, 0, len(values))
	for _, rel := range rels {
		v := values[rel]
		full := rendezvous.Join(base, rel)
		if err := s.checkOpen(full); err != nil {
			return err
		}
		norm, err := rendezvous.Normalize(v, s.now())
		if err != nil {
			return err
		}
		writes = append(writes, write{path: full, value: norm})
		paths = append(paths, full)
	}
	_, _, err := s.commit(ctx, paths, func(any) ([]write, error) { return writes, nil })
	return err
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key := rendezvous.NewPushID()
	if err := s.Set(ctx, rendezvous.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Transaction(ctx context.Context, path string, fn rendezvous.TxFunc) (rendezvous.Snapshot, bool, error) {
	if err := s.checkOpen(path); err != nil {
		return rendezvous.Snapshot{}, false, err
	}
	segs := rendezvous.Split(path)
	var fnErr error
	res, committed, err := s.commit(ctx, []string{path}, func(root any) ([]write, error) {
		cur := rendezvous.GetIn(root, segs)
		next, err := fn(rendezvous.NewSnapshot(path, cur))
		if err != nil {
			if !errors.Is(err, rendezvous.ErrAbort) {
				fnErr = err
			}
			return nil, rendezvous.ErrAbort
		}
		norm, err := rendezvous.Normalize(next, s.now())
		if err != nil {
			fnErr = err
			return nil, rendezvous.ErrAbort
		}
		return []write{{path: path, value: norm}}, nil
	})
	if err != nil {
		return rendezvous.Snapshot{}, false, err
	}
	if fnErr != nil {
		return rendezvous.NewSnapshot(path, res), false, fnErr
	}
	return rendezvous.NewSnapshot(path, res), committed, nil
}

func (s *Store) Query(ctx context.Context, q rendezvous.Query) ([]rendezvous.Snapshot, error) {
	parent, err := s.Once(ctx, q.Path)
	if err != nil {
		return nil, err
	}
	return rendezvous.ApplyQuery(parent, q), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*pubsubSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	close(s.stopHB)
	<-s.hbDone
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.releaseConn(ctx, s.connID)
}
