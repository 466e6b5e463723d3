// Package rendezvous defines the shared realtime tree two peers coordinate
// through, plus the per-peer serial loop their handlers run on.
package rendezvous

import "context"

// MaxTransactionRetries bounds the compare-and-retry loop of Transaction.
const MaxTransactionRetries = 25

// TxFunc receives the current value and returns the replacement. Returning
// ErrAbort leaves the value untouched without reporting an error.
type TxFunc func(cur Snapshot) (any, error)

type Subscription interface {
	Cancel()
}

// Store is one client connection to the rendezvous tree.
//
// Subscribe delivers the current value immediately and then a whole-subtree
// snapshot after every change beneath path. Callbacks for one subscription are
// never concurrent and arrive in commit order. They must not block.
type Store interface {
	Once(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	// Update writes every relative path in values under base. Nil deletes.
	Update(ctx context.Context, base string, values map[string]any) error
	Push(ctx context.Context, path string, value any) (string, error)
	Transaction(ctx context.Context, path string, fn TxFunc) (Snapshot, bool, error)
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	SubscribeQuery(ctx context.Context, q Query, fn func([]Snapshot)) (Subscription, error)
	// OnDisconnect registers a write the store commits when this connection is lost.
	OnDisconnect(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error
	Close() error
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }
