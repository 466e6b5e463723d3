// Package ledger keeps per-user coin and game-token balances under
// users/{uid} in the rendezvous tree. Every mutation is a single-path
// transaction, so a balance can never go negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duoplay/internal/metrics"
	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	Coins      Kind = "coins"
	GameTokens Kind = "gameTokens"
)

var (
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidKind       = errors.New("invalid_kind")
)

const (
	txAttempts = 4
	txBackoff  = 5 * time.Millisecond
)

// Check is the result of CheckBalance. Amount is the balance that was read.
type Check struct {
	Sufficient bool
	Amount     int64
}

type Ledger struct {
	st      rendezvous.Store
	journal Journal
	now     func() time.Time
}

type Option func(*Ledger)

// WithJournal records every committed balance change in j.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

func New(st rendezvous.Store, opts ...Option) *Ledger {
	l := &Ledger{st: st, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func balancePath(uid string, kind Kind) string {
	return rendezvous.Join("users", uid, string(kind))
}

func validate(uid string, kind Kind, amount int64) error {
	if uid == "" {
		return fmt.Errorf("%w: empty user id", rendezvous.ErrInvalidPath)
	}
	if kind != Coins && kind != GameTokens {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

// CheckBalance reads the balance. A missing record counts as zero.
func (l *Ledger) CheckBalance(ctx context.Context, uid string, kind Kind, required int64) (Check, error) {
	if err := validate(uid, kind, required); err != nil {
		return Check{}, err
	}
	snap, err := l.st.Once(ctx, balancePath(uid, kind))
	if err != nil {
		metrics.LedgerOps.WithLabelValues("check", "error").Inc()
		return Check{}, fmt.Errorf("check balance: %w", err)
	}
	amount := snap.Int()
	metrics.LedgerOps.WithLabelValues("check", "ok").Inc()
	return Check{Sufficient: amount >= required, Amount: amount}, nil
}

// Deduct removes amount if the balance at commit time covers it. Otherwise it
// returns the current balance and ErrInsufficientFunds without writing.
func (l *Ledger) Deduct(ctx context.Context, uid string, kind Kind, amount int64, reason string) (int64, error) {
	if err := validate(uid, kind, amount); err != nil {
		return 0, err
	}
	snap, committed, err := l.transact(ctx, balancePath(uid, kind), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Int() < amount {
			return nil, rendezvous.ErrAbort
		}
		return cur.Int() - amount, nil
	})
	if err != nil {
		metrics.LedgerOps.WithLabelValues("deduct", "error").Inc()
		return 0, fmt.Errorf("deduct %s: %w", kind, err)
	}
	if !committed {
		metrics.LedgerOps.WithLabelValues("deduct", "insufficient").Inc()
		return snap.Int(), ErrInsufficientFunds
	}
	metrics.LedgerOps.WithLabelValues("deduct", "ok").Inc()
	l.record(ctx, uid, kind, -amount, snap.Int(), reason)
	return snap.Int(), nil
}

// Increment adds amount unconditionally and returns the new balance.
func (l *Ledger) Increment(ctx context.Context, uid string, kind Kind, amount int64, reason string) (int64, error) {
	if err := validate(uid, kind, amount); err != nil {
		return 0, err
	}
	snap, _, err := l.transact(ctx, balancePath(uid, kind), func(cur rendezvous.Snapshot) (any, error) {
		return cur.Int() + amount, nil
	})
	if err != nil {
		metrics.LedgerOps.WithLabelValues("increment", "error").Inc()
		return 0, fmt.Errorf("increment %s: %w", kind, err)
	}
	metrics.LedgerOps.WithLabelValues("increment", "ok").Inc()
	l.record(ctx, uid, kind, amount, snap.Int(), reason)
	return snap.Int(), nil
}

// transact retries a transaction that lost too many compare rounds.
func (l *Ledger) transact(ctx context.Context, path string, fn rendezvous.TxFunc) (rendezvous.Snapshot, bool, error) {
	var (
		snap      rendezvous.Snapshot
		committed bool
	)
	err := rendezvous.Retry(ctx, txAttempts, txBackoff, func(ctx context.Context) error {
		var err error
		snap, committed, err = l.st.Transaction(ctx, path, fn)
		return err
	})
	return snap, committed, err
}

func (l *Ledger) record(ctx context.Context, uid string, kind Kind, delta, balance int64, reason string) {
	if l.journal == nil {
		return
	}
	entry := Entry{
		ID:        rendezvous.NewPushID(),
		UserID:    uid,
		Kind:      kind,
		Delta:     delta,
		Balance:   balance,
		Reason:    reason,
		CreatedAt: l.now().UTC(),
	}
	if err := l.journal.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Str("uid", uid).Str("kind", string(kind)).Int64("delta", delta).Msg("ledger journal write failed")
	}
}
