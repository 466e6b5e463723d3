package ledger

import (
	"context"
	"time"
)

// Entry is one committed balance change.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal is an append-only audit sink. Failures are logged, never returned
// to the balance operation that already committed.
type Journal interface {
	Record(ctx context.Context, e Entry) error
}
