package ledger

import (
	"context"
	"errors"
	"fmt"
)

var ErrGrantFailed = errors.New("grant_failed")

// Granter is an external currency source (rewarded ad, platform purchase).
// It reports how much it granted.
type Granter interface {
	Grant(ctx context.Context, uid string, amount int64, kind Kind) (int64, error)
}

type GranterFunc func(ctx context.Context, uid string, amount int64, kind Kind) (int64, error)

func (f GranterFunc) Grant(ctx context.Context, uid string, amount int64, kind Kind) (int64, error) {
	return f(ctx, uid, amount, kind)
}

// Recover runs the recourse flow after ErrInsufficientFunds: ask g for amount
// and credit whatever it granted. It returns the new balance.
func (l *Ledger) Recover(ctx context.Context, g Granter, uid string, kind Kind, amount int64) (int64, error) {
	if err := validate(uid, kind, amount); err != nil {
		return 0, err
	}
	granted, err := g.Grant(ctx, uid, amount, kind)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrGrantFailed, err)
	}
	if granted <= 0 {
		return 0, ErrGrantFailed
	}
	return l.Increment(ctx, uid, kind, granted, "grant")
}
