package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"duoplay/internal/ledger"
	"duoplay/internal/rendezvous/memstore"
	"duoplay/internal/store"
	"duoplay/internal/testutil"
)

func TestRecordAndListLedgerEntries(t *testing.T) {
	st := testutil.OpenJournal(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entries := []ledger.Entry{
		{ID: "01A", UserID: "alice", Kind: ledger.GameTokens, Delta: -2, Balance: 8, Reason: "invite_propose", CreatedAt: now},
		{ID: "01B", UserID: "bob", Kind: ledger.GameTokens, Delta: -5, Balance: 5, Reason: "invite_accept", CreatedAt: now.Add(time.Second)},
		{ID: "01C", UserID: "alice", Kind: ledger.Coins, Delta: -50, Balance: 50, Reason: "match_entry", CreatedAt: now.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := st.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s) error = %v", e.ID, err)
		}
	}
	if err := st.Record(ctx, entries[0]); err != nil {
		t.Fatalf("Record() duplicate error = %v", err)
	}

	got, err := st.ListLedgerEntries(ctx, store.LedgerFilter{UserID: "alice"}, 10, 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "01C" || got[1].ID != "01A" {
		t.Fatalf("alice entries = %+v", got)
	}
	got, err = st.ListLedgerEntries(ctx, store.LedgerFilter{Kind: ledger.GameTokens}, 10, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("token entries = %+v, %v", got, err)
	}

	one, err := st.GetLedgerEntry(ctx, "01B")
	if err != nil || one.UserID != "bob" || one.Delta != -5 {
		t.Fatalf("GetLedgerEntry() = %+v, %v", one, err)
	}
	if _, err := st.GetLedgerEntry(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetLedgerEntry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLedgerJournalsToPostgres(t *testing.T) {
	st := testutil.OpenJournal(t)
	ctx := context.Background()

	srv := memstore.NewServer()
	defer srv.Close()
	l := ledger.New(srv.Connect(), ledger.WithJournal(st))
	if _, err := l.Increment(ctx, "carol", ledger.Coins, 40, "grant"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	got, err := st.ListLedgerEntries(ctx, store.LedgerFilter{UserID: "carol"}, 10, 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries() error = %v", err)
	}
	if len(got) != 1 || got[0].Delta != 40 || got[0].Balance != 40 || got[0].Reason != "grant" {
		t.Fatalf("entries = %+v", got)
	}
}
