package memstore

import (
	"context"
	"sort"
	"sync"

	"duoplay/internal/rendezvous"
)

// Client is one connection. Close behaves like a dropped connection: its
// subscriptions stop and its onDisconnect writes are committed.
type Client struct {
	srv *Server

	mu           sync.Mutex
	subs         map[uint64]*subscription
	onDisconnect map[string]any
	odOrder      []string
	closed       bool
}

var _ rendezvous.Store = (*Client)(nil)

func (c *Client) checkOpen(path string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return rendezvous.ErrClosed
	}
	return rendezvous.ValidatePath(path)
}

func (c *Client) Once(ctx context.Context, path string) (rendezvous.Snapshot, error) {
	if err := c.checkOpen(path); err != nil {
		return rendezvous.Snapshot{}, err
	}
	return c.srv.Get(path), ctx.Err()
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	norm, err := c.srv.normalize(value)
	if err != nil {
		return err
	}
	c.srv.write([]change{{segs: rendezvous.Split(path), value: norm}})
	return ctx.Err()
}

func (c *Client) Update(ctx context.Context, base string, values map[string]any) error {
	if err := c.checkOpen(base); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changes := make([]change, 0, len(keys))
	for _, k := range keys {
		full := rendezvous.Join(base, k)
		if err := rendezvous.ValidatePath(full); err != nil {
			return err
		}
		norm, err := c.srv.normalize(values[k])
		if err != nil {
			return err
		}
		changes = append(changes, change{segs: rendezvous.Split(full), value: norm})
	}
	c.srv.write(changes)
	return ctx.Err()
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	key := rendezvous.NewPushID()
	if err := c.Set(ctx, rendezvous.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Client) Transaction(ctx context.Context, path string, fn rendezvous.TxFunc) (rendezvous.Snapshot, bool, error) {
	if err := c.checkOpen(path); err != nil {
		return rendezvous.Snapshot{}, false, err
	}
	return c.srv.transaction(ctx, path, fn)
}

func (c *Client) Query(ctx context.Context, q rendezvous.Query) ([]rendezvous.Snapshot, error) {
	if err := c.checkOpen(q.Path); err != nil {
		return nil, err
	}
	return rendezvous.ApplyQuery(c.srv.Get(q.Path), q), ctx.Err()
}

func (c *Client) Subscribe(_ context.Context, path string, fn func(rendezvous.Snapshot)) (rendezvous.Subscription, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	sub := &subscription{path: rendezvous.Join(path), fn: fn}
	return c.track(sub), nil
}

func (c *Client) SubscribeQuery(_ context.Context, q rendezvous.Query, fn func([]rendezvous.Snapshot)) (rendezvous.Subscription, error) {
	if err := c.checkOpen(q.Path); err != nil {
		return nil, err
	}
	qq := q
	qq.Path = rendezvous.Join(q.Path)
	sub := &subscription{query: &qq, qfn: fn}
	return c.track(sub), nil
}

func (c *Client) track(sub *subscription) rendezvous.Subscription {
	c.srv.addSub(sub)
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	return rendezvous.SubscriptionFunc(func() {
		c.srv.removeSub(sub)
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
	})
}

func (c *Client) OnDisconnect(_ context.Context, path string, value any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rendezvous.Join(path)
	if _, ok := c.onDisconnect[key]; !ok {
		c.odOrder = append(c.odOrder, key)
	}
	c.onDisconnect[key] = value
	return nil
}

func (c *Client) CancelOnDisconnect(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rendezvous.Join(path)
	delete(c.onDisconnect, key)
	for i, k := range c.odOrder {
		if k == key {
			c.odOrder = append(c.odOrder[:i], c.odOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[uint64]*subscription{}
	order := c.odOrder
	pending := c.onDisconnect
	c.odOrder = nil
	c.onDisconnect = map[string]any{}
	c.mu.Unlock()

	for _, sub := range subs {
		c.srv.removeSub(sub)
	}
	if len(order) == 0 {
		return nil
	}
	changes := make([]change, 0, len(order))
	for _, path := range order {
		norm, err := c.srv.normalize(pending[path])
		if err != nil {
			continue
		}
		changes = append(changes, change{segs: rendezvous.Split(path), value: norm})
	}
	c.srv.write(changes)
	return nil
}
