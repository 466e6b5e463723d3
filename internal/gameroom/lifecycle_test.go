package gameroom_test

import (
	"context"
	"testing"
	"time"

	"duoplay/internal/gameroom"
	"duoplay/internal/testutil"
)

func writeRoom(t *testing.T, s *side, values map[string]any) {
	t.Helper()
	if err := s.srv.Connect().Update(context.Background(), gameroom.Path("r1"), values); err != nil {
		t.Fatalf("Update(room) error = %v", err)
	}
}

// The participant runs alone against a started room nobody advances, and
// claims the win once the room has been quiet for the stall window.
func TestRPSStalledRoomAwardsParticipant(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	cfg.Stall = 200 * time.Millisecond
	cfg.Countdown = 10 * time.Second
	a, b := setups(gameroom.RPS)
	createRoom(t, srv, a)
	// a stays online but its machine never runs past starting the game.
	_ = newSide(t, srv, cfg, a)
	sb := newSide(t, srv, cfg, b)
	writeRoom(t, sb, map[string]any{
		"players/a":    map[string]any{"name": "A", "connected": true, "ready": true},
		"gameStarted":  true,
		"gamePhase":    gameroom.PhaseWaitingChoices,
		"currentRound": 1,
	})
	gb, err := gameroom.NewRPS(sb.opts)
	if err != nil {
		t.Fatalf("NewRPS(b) error = %v", err)
	}
	gb.Start(context.Background())
	waitDone(t, "participant done", gb.Done())

	end := gb.Result()
	if !end.Won || end.Winner != "b" || end.Reason != gameroom.ReasonStalled || !end.Started {
		t.Fatalf("Result() = %+v, want b winning by %s", end, gameroom.ReasonStalled)
	}
	room := sb.room()
	if !room.Child("gameEnded").Bool() || room.Child("gameEndReason").Str() != gameroom.ReasonStalled {
		t.Fatalf("room = %+v, want ended by stall", room.Value())
	}
	if p := profile(t, srv, "b"); p.Wins != 1 {
		t.Fatalf("participant profile = %+v", p)
	}
}

// A reveal with a missing choice goes back to choosing and scores nothing.
func TestRPSRevealWithoutChoicesRollsBack(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	cfg.Countdown = 10 * time.Second
	a, b := setups(gameroom.RPS)
	createRoom(t, srv, a)
	sa := newSide(t, srv, cfg, a)
	_ = newSide(t, srv, cfg, b)
	ga, err := gameroom.NewRPS(sa.opts)
	if err != nil {
		t.Fatalf("NewRPS(a) error = %v", err)
	}
	ga.Start(context.Background())
	testutil.WaitFor(t, "initiator join", func() bool { return sa.room().Child("players/a/connected").Bool() })

	writeRoom(t, sa, map[string]any{
		"players/b": map[string]any{"name": "B", "connected": true, "ready": true},
	})
	testutil.WaitFor(t, "game start", func() bool { return sa.rec.sawPhase(gameroom.PhaseWaitingChoices) })

	writeRoom(t, sa, map[string]any{
		"gamePhase":             gameroom.PhaseRevealResults,
		"choices/1/a/choice":    string(gameroom.Stone),
		"choices/1/a/timestamp": 1,
	})
	testutil.WaitFor(t, "rollback", func() bool {
		return sa.rec.sawPhase(gameroom.PhaseRevealResults) &&
			sa.room().Child("gamePhase").Str() == gameroom.PhaseWaitingChoices
	})
	room := sa.room()
	if room.Child("results").Exists() || room.Child("currentRound").Int() != 1 || room.Child("scores/a").Int() != 0 {
		t.Fatalf("room after rollback = %+v", room.Value())
	}
	if len(sa.rec.roundResults()) != 0 {
		t.Fatalf("round results after rollback = %+v", sa.rec.roundResults())
	}
	ga.Leave()
	waitDone(t, "initiator done", ga.Done())
}

// Deleting a running room ends it for both peers, and neither write
// recreates it.
func TestRoomRemovedMidGame(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	cfg.Countdown = 10 * time.Second
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

	if err := srv.Connect().Set(ctx, gameroom.Path("r1"), nil); err != nil {
		t.Fatalf("Set(room, nil) error = %v", err)
	}
	waitDone(t, "initiator done", ga.Done())
	waitDone(t, "participant done", gb.Done())

	for uid, end := range map[string]gameroom.End{"a": ga.Result(), "b": gb.Result()} {
		if end.Reason != gameroom.ReasonRoomRemoved || end.Winner != uid || !end.Won {
			t.Fatalf("%s Result() = %+v, want own win by %s", uid, end, gameroom.ReasonRoomRemoved)
		}
		if p := profile(t, srv, uid); p.TotalGamesPlayed != 1 {
			t.Fatalf("%s totalGamesPlayed = %d, want 1", uid, p.TotalGamesPlayed)
		}
	}
	if sa.room().Exists() {
		t.Fatalf("room recreated: %+v", sa.room().Value())
	}
}

// Both peers reach the objective together. Only one terminal write lands,
// and both sides report that winner.
func TestRaceSimultaneousArrivalHasOneWinner(t *testing.T) {
	sa, sb, ga, gb := startRace(t)
	enterChapter(t, sa, sb, ga, gb)

	ga.Move(0.85, 0.8)
	gb.Move(0.85, 0.8)
	waitDone(t, "initiator done", ga.Done())
	waitDone(t, "participant done", gb.Done())

	ea, eb := ga.Result(), gb.Result()
	if ea.Winner == "" || ea.Winner != eb.Winner || ea.Won == eb.Won {
		t.Fatalf("results disagree: a=%+v b=%+v", ea, eb)
	}
	if ea.Reason != gameroom.ReasonObjectiveReached || eb.Reason != gameroom.ReasonObjectiveReached {
		t.Fatalf("reasons = %s / %s", ea.Reason, eb.Reason)
	}
	pa, pb := profile(t, sa.srv, "a"), profile(t, sa.srv, "b")
	if pa.Wins+pb.Wins != 1 || pa.TotalGamesPlayed != 1 || pb.TotalGamesPlayed != 1 {
		t.Fatalf("profiles = %+v / %+v", pa, pb)
	}
}

// A peer that comes back to an ended room adopts the stored result without
// applying the game to its profile a second time.
func TestEndedRoomReplayAppliesStatsOnce(t *testing.T) {
	srv := testutil.MemServer(t)
	cfg := testutil.FastGame()
	cfg.Teardown = 10 * time.Second
	a, b := setups(gameroom.RPS)
	createRoom(t, srv, a)
	sa, sb := newSide(t, srv, cfg, a), newSide(t, srv, cfg, b)
	ga, gb := startRPS(t, sa, sb)
	sa.rec.onRound = func(int) { _ = ga.Choose(gameroom.Paper) }
	sb.rec.onRound = func(int) { _ = gb.Choose(gameroom.Stone) }
	ctx := context.Background()
	ga.Start(ctx)
	gb.Start(ctx)
	waitDone(t, "participant done", gb.Done())
	testutil.WaitFor(t, "initiator ending", func() bool { return len(sa.rec.endings()) == 1 })

	before := profile(t, srv, "b")
	if before.TotalGamesPlayed != 1 {
		t.Fatalf("totalGamesPlayed = %d, want 1", before.TotalGamesPlayed)
	}

	again := newSide(t, srv, cfg, b)
	g2, err := gameroom.NewRPS(again.opts)
	if err != nil {
		t.Fatalf("NewRPS(b again) error = %v", err)
	}
	g2.Start(ctx)
	waitDone(t, "replayed participant done", g2.Done())

	if end := g2.Result(); end.Winner != "a" || end.Won || end.Reason != gameroom.ReasonRoundsWon {
		t.Fatalf("replayed Result() = %+v", end)
	}
	after := profile(t, srv, "b")
	if after.TotalGamesPlayed != 1 || after.XP != before.XP {
		t.Fatalf("profile after replay = %+v, want unchanged %+v", after, before)
	}
	if len(sa.rec.endings()) != 1 {
		t.Fatalf("initiator saw %d endings, want 1", len(sa.rec.endings()))
	}
}
