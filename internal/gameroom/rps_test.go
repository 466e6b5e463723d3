package gameroom_test

import (
	"context"
	"testing"
	"time"

	"duoplay/internal/gameroom"
	"duoplay/internal/testutil"
)

func startRPS(t *testing.T, sa, sb *side) (*gameroom.RPSGame, *gameroom.RPSGame) {
	t.Helper()
	ga, err := gameroom.NewRPS(sa.opts)
	if err != nil {
		t.Fatalf("NewRPS(a) error = %v", err)
	}
	gb, err := gameroom.NewRPS(sb.opts)
	if err != nil {
		t.Fatalf("NewRPS(b) error = %v", err)
	}
	return ga, gb
}

func TestRPSFirstToThreeWins(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	a, b := setups(gameroom.RPS)
	createRoom(t, srv, a)
	sa, sb := newSide(t, srv, cfg, a), newSide(t, srv, cfg, b)
	ga, gb := startRPS(t, sa, sb)
	sa.rec.onRound = func(int) { _ = ga.Choose(gameroom.Stone) }
	sb.rec.onRound = func(int) { _ = gb.Choose(gameroom.Scissors) }

	ctx := context.Background()
	ga.Start(ctx)
	gb.Start(ctx)
	waitDone(t, "initiator done", ga.Done())
	waitDone(t, "participant done", gb.Done())

	ea, eb := ga.Result(), gb.Result()
	if !ea.Won || ea.Reason != gameroom.ReasonRoundsWon || !ea.Started {
		t.Fatalf("initiator Result() = %+v, want a rounds_won win", ea)
	}
	if eb.Won || eb.Winner != "a" || eb.WinnerName != "A" {
		t.Fatalf("participant Result() = %+v, want loss to a", eb)
	}

	for name, rec := range map[string]*recorder{"a": sa.rec, "b": sb.rec} {
		res := rec.roundResults()
		if len(res) != 3 {
			t.Fatalf("%s saw %d round results, want 3", name, len(res))
		}
		for i, r := range res {
			if r.Round != i+1 {
				t.Fatalf("%s result %d has round %d", name, i, r.Round)
			}
		}
		if len(rec.endings()) != 1 {
			t.Fatalf("%s saw %d endings, want 1", name, len(rec.endings()))
		}
	}
	last := sa.rec.roundResults()[2]
	if last.Outcome != gameroom.Win || last.MyScore != 3 || last.PartnerScore != 0 {
		t.Fatalf("initiator last round = %+v", last)
	}
	lastB := sb.rec.roundResults()[2]
	if lastB.Outcome != gameroom.Loss || lastB.MyChoice != gameroom.Scissors || lastB.PartnerScore != 3 {
		t.Fatalf("participant last round = %+v", lastB)
	}

	pa, pb := profile(t, srv, "a"), profile(t, srv, "b")
	if pa.Wins != 1 || pa.XP != 20 || pa.WinStreak != 1 || pa.TotalGamesPlayed != 1 {
		t.Fatalf("winner profile = %+v", pa)
	}
	if pb.Wins != 0 || pb.XP != 5 || pb.WinStreak != 0 || pb.TotalGamesPlayed != 1 {
		t.Fatalf("loser profile = %+v", pb)
	}
	testutil.WaitFor(t, "room teardown", func() bool { return !srv.Get(gameroom.Path("r1")).Exists() })
}

func TestRPSAutoChoiceTerminates(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	cfg.Countdown = 20 * time.Millisecond
	a, b := setups(gameroom.RPS)
	createRoom(t, srv, a)
	sa, sb := newSide(t, srv, cfg, a), newSide(t, srv, cfg, b)
	ga, gb := startRPS(t, sa, sb)

	ctx := context.Background()
	ga.Start(ctx)
	gb.Start(ctx)
	waitDone(t, "initiator done", ga.Done())
	waitDone(t, "participant done", gb.Done())

	ea, eb := ga.Result(), gb.Result()
	if ea.Winner == "" || ea.Winner != eb.Winner || ea.Won == eb.Won {
		t.Fatalf("results disagree: a=%+v b=%+v", ea, eb)
	}
	pa, pb := profile(t, srv, "a"), profile(t, srv, "b")
	if pa.TotalGamesPlayed != 1 || pb.TotalGamesPlayed != 1 || pa.Wins+pb.Wins != 1 {
		t.Fatalf("stats not applied exactly once: a=%+v b=%+v", pa, pb)
	}
}

func TestChooseRejectsUnknownChoice(t *testing.T) {
	srv := testutil.MemServer(t)
	a, _ := setups(gameroom.RPS)
	g, err := gameroom.NewRPS(newSide(t, srv, testutil.FastGame(), a).opts)
	if err != nil {
		t.Fatalf("NewRPS() error = %v", err)
	}
	if err := g.Choose("lizard"); err != gameroom.ErrInvalidChoice {
		t.Fatalf("Choose(lizard) error = %v, want ErrInvalidChoice", err)
	}
}

func TestRPSPartnerDisconnectAwardsWin(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	a, b := setups(gameroom.RPS)
	createRoom(t, srv, a)
	sa, sb := newSide(t, srv, cfg, a), newSide(t, srv, cfg, b)
	ga, gb := startRPS(t, sa, sb)

	ctx := context.Background()
	ga.Start(ctx)
	gb.Start(ctx)
	testutil.WaitFor(t, "game start", func() bool {
		return sa.rec.sawPhase(gameroom.PhaseWaitingChoices) && sb.rec.sawPhase(gameroom.PhaseWaitingChoices)
	})

	// Dropping b's connection commits its onDisconnect writes.
	_ = sb.conn.Close()
	waitDone(t, "initiator done", ga.Done())

	end := ga.Result()
	if !end.Won || end.Reason != gameroom.ReasonDisconnected {
		t.Fatalf("Result() = %+v, want win by %s", end, gameroom.ReasonDisconnected)
	}
	if p := profile(t, srv, "a"); p.Wins != 1 || p.TotalGamesPlayed != 1 {
		t.Fatalf("remaining peer profile = %+v", p)
	}
}
