package gameroom

import (
	"context"
	"strconv"

	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

// RPSGame plays rounds of stone/paper/scissors until one side has RoundsToWin.
// Each round has a countdown; a peer that has not chosen when it runs out
// gets a random choice.
type RPSGame struct {
	*machine

	round     int
	chosen    bool
	pending   Choice
	countdown *rendezvous.Timer
	reported  map[int]bool
}

func NewRPS(opts Options) (*RPSGame, error) {
	m, err := newMachine(opts, RPS)
	if err != nil {
		return nil, err
	}
	g := &RPSGame{machine: m, reported: make(map[int]bool)}
	m.handle = g.handle
	m.beforeEnd = g.catchUp
	m.onEnd = func() { g.countdown.Stop() }
	m.stallEnabled = true
	return g, nil
}

func (g *RPSGame) Start(ctx context.Context) {
	var seed map[string]any
	if g.initiator() {
		seed = map[string]any{
			rendezvous.Join("scores", g.s.UserID):    0,
			rendezvous.Join("scores", g.s.PartnerID): 0,
			"currentRound":                           1,
		}
	}
	g.start(ctx, seed)
}

// Choose submits this peer's choice for the current round. A second choice
// in the same round is ignored.
func (g *RPSGame) Choose(c Choice) error {
	if !c.Valid() {
		return ErrInvalidChoice
	}
	g.opts.Loop.Post(func() { g.submit(c) })
	return nil
}

func (g *RPSGame) handle(snap rendezvous.Snapshot) {
	players := snap.Child("players")
	me, partner := players.Child(g.s.UserID), players.Child(g.s.PartnerID)
	if !me.Exists() || !partner.Exists() {
		return
	}
	switch snap.Child("gamePhase").Str() {
	case PhaseWaitingPlayers:
		if g.initiator() && ready(me) && ready(partner) {
			g.begin()
		}
	case PhaseWaitingChoices:
		g.onChoosing(snap)
	case PhaseRevealResults:
		g.reveal(snap)
	}
}

func ready(p rendezvous.Snapshot) bool {
	return p.Child("connected").Bool() && p.Child("ready").Bool()
}

func (g *RPSGame) begin() {
	_, _, err := g.tx(func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("gameStarted").Bool() || cur.Child("gamePhase").Str() != PhaseWaitingPlayers {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), map[string]any{
			"gameStarted":  true,
			"gamePhase":    PhaseWaitingChoices,
			"currentRound": 1,
			"startedAt":    rendezvous.ServerTimestamp,
		}), nil
	})
	if err != nil {
		g.listener.OnError(err)
	}
}

func choicePath(round int, uid string) string {
	return rendezvous.Join("choices", strconv.Itoa(round), uid)
}

func (g *RPSGame) onChoosing(snap rendezvous.Snapshot) {
	round := int(snap.Child("currentRound").Int())
	if round != g.round {
		g.catchUp(snap)
		g.round = round
		g.chosen = false
		g.pending = ""
		g.countdown.Stop()
		g.countdown = g.opts.Loop.AfterFunc(g.cfg.Countdown, func() { g.autoChoose(round) })
		g.listener.OnRoundStarted(round)
	}
	mine := snap.Child(choicePath(round, g.s.UserID))
	theirs := snap.Child(choicePath(round, g.s.PartnerID))
	if mine.Exists() {
		g.chosen = true
		g.countdown.Stop()
	} else if g.chosen && g.pending != "" {
		// The choice write was lost, or reverted by a rollback.
		g.write(round, g.pending)
	}
	if g.initiator() && mine.Exists() && theirs.Exists() {
		g.toReveal(round)
	}
}

func (g *RPSGame) autoChoose(round int) {
	if g.ended || g.round != round || g.chosen {
		return
	}
	c := RandomChoice(g.rng)
	log.Debug().Str("room_id", g.s.RoomID).Int("round", round).Str("choice", string(c)).Msg("countdown expired, auto choice")
	g.submit(c)
}

func (g *RPSGame) submit(c Choice) {
	if g.ended || g.chosen || g.room.Child("gamePhase").Str() != PhaseWaitingChoices {
		return
	}
	g.chosen = true
	g.pending = c
	g.countdown.Stop()
	g.write(g.round, c)
}

// write stores the choice only if none is recorded yet for this round.
func (g *RPSGame) write(round int, c Choice) {
	ctx, cancel := g.writeCtx()
	defer cancel()
	_, _, err := g.opts.Store.Transaction(ctx, g.path(choicePath(round, g.s.UserID)), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		return map[string]any{"choice": string(c), "timestamp": rendezvous.ServerTimestamp}, nil
	})
	if err != nil {
		g.chosen = false
		g.listener.OnError(err)
	}
}

func (g *RPSGame) toReveal(round int) {
	_, _, err := g.tx(func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("gamePhase").Str() != PhaseWaitingChoices || int(cur.Child("currentRound").Int()) != round {
			return nil, rendezvous.ErrAbort
		}
		if !cur.Child(choicePath(round, g.s.UserID)).Exists() || !cur.Child(choicePath(round, g.s.PartnerID)).Exists() {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), map[string]any{"gamePhase": PhaseRevealResults}), nil
	})
	if err != nil {
		g.listener.OnError(err)
	}
}

func (g *RPSGame) reveal(snap rendezvous.Snapshot) {
	round := int(snap.Child("currentRound").Int())
	mine := Choice(snap.Child(choicePath(round, g.s.UserID)).Child("choice").Str())
	theirs := Choice(snap.Child(choicePath(round, g.s.PartnerID)).Child("choice").Str())
	if !mine.Valid() || !theirs.Valid() {
		if g.initiator() {
			g.rollback(round)
		}
		return
	}
	if !g.reported[round] {
		myScore := snap.Child(rendezvous.Join("scores", g.s.UserID)).Int()
		partnerScore := snap.Child(rendezvous.Join("scores", g.s.PartnerID)).Int()
		if !snap.Child(rendezvous.Join("results", strconv.Itoa(round))).Exists() {
			switch Decide(mine, theirs) {
			case Win:
				myScore++
			case Loss:
				partnerScore++
			}
		}
		g.report(round, mine, theirs, myScore, partnerScore)
	}
	if g.initiator() {
		g.commitRound(round)
	}
}

// rollback returns a reveal with a missing choice to the choosing phase.
func (g *RPSGame) rollback(round int) {
	log.Warn().Str("room_id", g.s.RoomID).Int("round", round).Msg("reveal without both choices, rolling back")
	_, _, err := g.tx(func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("gamePhase").Str() != PhaseRevealResults || int(cur.Child("currentRound").Int()) != round {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), map[string]any{"gamePhase": PhaseWaitingChoices}), nil
	})
	if err != nil {
		g.listener.OnError(err)
	}
}

// commitRound scores the round and either ends the game or opens the next
// round. Only the initiator calls it.
func (g *RPSGame) commitRound(round int) {
	key := strconv.Itoa(round)
	_, _, err := g.tx(func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("gamePhase").Str() != PhaseRevealResults || int(cur.Child("currentRound").Int()) != round {
			return nil, rendezvous.ErrAbort
		}
		if cur.Child(rendezvous.Join("results", key)).Exists() || cur.Child("gameEnded").Bool() {
			return nil, rendezvous.ErrAbort
		}
		mine := Choice(cur.Child(choicePath(round, g.s.UserID)).Child("choice").Str())
		theirs := Choice(cur.Child(choicePath(round, g.s.PartnerID)).Child("choice").Str())
		if !mine.Valid() || !theirs.Valid() {
			return nil, rendezvous.ErrAbort
		}
		winner := "draw"
		switch Decide(mine, theirs) {
		case Win:
			winner = g.s.UserID
		case Loss:
			winner = g.s.PartnerID
		}
		changes := map[string]any{
			rendezvous.Join("results", key): map[string]any{
				"winner":        winner,
				"userChoice":    string(mine),
				"partnerChoice": string(theirs),
			},
		}
		if winner != "draw" {
			score := cur.Child(rendezvous.Join("scores", winner)).Int() + 1
			changes[rendezvous.Join("scores", winner)] = score
			if score >= int64(g.cfg.RoundsToWin) {
				changes["gameEnded"] = true
				changes["gamePhase"] = PhaseGameOver
				changes["winner"] = winner
				changes["winnerName"] = g.nameOf(winner)
				changes["gameEndReason"] = ReasonRoundsWon
				changes["endedAt"] = rendezvous.ServerTimestamp
				return rendezvous.Patch(cur.Value(), changes), nil
			}
		}
		changes["currentRound"] = round + 1
		changes["gamePhase"] = PhaseWaitingChoices
		return rendezvous.Patch(cur.Value(), changes), nil
	})
	if err != nil {
		g.listener.OnError(err)
	}
}

func (g *RPSGame) report(round int, mine, theirs Choice, myScore, partnerScore int64) {
	g.reported[round] = true
	if round == g.round {
		g.countdown.Stop()
	}
	g.listener.OnRoundResult(RoundResult{
		Round:         round,
		Outcome:       Decide(mine, theirs),
		MyChoice:      mine,
		PartnerChoice: theirs,
		MyScore:       myScore,
		PartnerScore:  partnerScore,
	})
}

// catchUp reports rounds whose reveal this peer never observed, from the
// stored results. Subscriptions may coalesce quick successive writes.
func (g *RPSGame) catchUp(snap rendezvous.Snapshot) {
	results := snap.Child("results")
	var mine, theirs int64
	for r := 1; ; r++ {
		res := results.Child(strconv.Itoa(r))
		if !res.Exists() {
			return
		}
		switch res.Child("winner").Str() {
		case g.s.UserID:
			mine++
		case g.s.PartnerID:
			theirs++
		}
		if g.reported[r] {
			continue
		}
		initiatorChoice := Choice(res.Child("userChoice").Str())
		otherChoice := Choice(res.Child("partnerChoice").Str())
		if g.initiator() {
			g.report(r, initiatorChoice, otherChoice, mine, theirs)
		} else {
			g.report(r, otherChoice, initiatorChoice, mine, theirs)
		}
	}
}
