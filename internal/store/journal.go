package store

import (
	"context"
	"time"

	"duoplay/internal/ledger"
)

type LedgerFilter struct {
	UserID string
	Kind   ledger.Kind
	From   *time.Time
	To     *time.Time
}

var _ ledger.Journal = (*Store)(nil)

// Record appends e. Re-recording the same id is a no-op.
func (s *Store) Record(ctx context.Context, e ledger.Entry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, delta, balance, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, string(e.Kind), e.Delta, e.Balance, e.Reason, e.CreatedAt,
	)
	return err
}

func (s *Store) GetLedgerEntry(ctx context.Context, id string) (ledger.Entry, error) {
	var (
		e    ledger.Entry
		kind string
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT id, user_id, kind, delta, balance, reason, created_at
		FROM ledger_entries WHERE id = $1`, id,
	).Scan(&e.ID, &e.UserID, &kind, &e.Delta, &e.Balance, &e.Reason, &e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, mapNotFound(err)
	}
	e.Kind = ledger.Kind(kind)
	return e, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, f LedgerFilter, limit, offset int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, user_id, kind, delta, balance, reason, created_at
		FROM ledger_entries
		WHERE ($1::text IS NULL OR user_id = $1)
		  AND ($2::text IS NULL OR kind = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5 OFFSET $6`,
		textParam(f.UserID), textParam(string(f.Kind)), timeParam(f.From), timeParam(f.To), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Entry, 0, limit)
	for rows.Next() {
		var (
			e    ledger.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Delta, &e.Balance, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
