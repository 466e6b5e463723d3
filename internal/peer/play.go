package peer

import (
	"context"
	"math/rand"
	"time"

	"duoplay/internal/gameroom"

	"github.com/rs/zerolog/log"
)

// Strategy picks this peer's choice for a round.
type Strategy func(round int) gameroom.Choice

// Always plays the same choice every round.
func Always(c gameroom.Choice) Strategy {
	return func(int) gameroom.Choice { return c }
}

func (p *Peer) gameOptions(setup gameroom.Setup, l gameroom.Listener) gameroom.Options {
	return gameroom.Options{
		Loop:     p.loop,
		Store:    p.opts.Store,
		Ledger:   p.ledger,
		Presence: p.presence,
		Game:     p.opts.Game,
		Setup:    setup,
		Listener: l,
		Rand:     rand.New(rand.NewSource(p.rng.Int63())),
	}
}

type rpsDriver struct {
	gameroom.NopListener
	uid    string
	game   *gameroom.RPSGame
	choose Strategy
}

func (d *rpsDriver) OnRoundStarted(round int) {
	if d.choose == nil {
		return
	}
	if err := d.game.Choose(d.choose(round)); err != nil {
		log.Warn().Err(err).Str("uid", d.uid).Int("round", round).Msg("choice rejected")
	}
}

func (d *rpsDriver) OnRoundResult(r gameroom.RoundResult) {
	log.Debug().
		Str("uid", d.uid).
		Int("round", r.Round).
		Str("outcome", r.Outcome.String()).
		Int64("score", r.MyScore).
		Int64("partner_score", r.PartnerScore).
		Msg("round result")
}

func (d *rpsDriver) OnError(err error) {
	log.Warn().Err(err).Str("uid", d.uid).Msg("game error")
}

// PlayRPS plays the room to its end. A nil strategy leaves every round to
// the countdown's random choice.
func (p *Peer) PlayRPS(ctx context.Context, setup gameroom.Setup, choose Strategy) (gameroom.End, error) {
	d := &rpsDriver{uid: p.opts.UserID, choose: choose}
	g, err := gameroom.NewRPS(p.gameOptions(setup, d))
	if err != nil {
		return gameroom.End{}, err
	}
	d.game = g
	g.Start(ctx)
	return p.wait(ctx, g.Done(), g.Leave, g.Result)
}

type raceDriver struct {
	gameroom.NopListener
	uid    string
	game   *gameroom.RaceGame
	active chan struct{}
}

func (d *raceDriver) OnPhase(phase string) {
	switch phase {
	case gameroom.PhaseOrientationCheck:
		d.game.SetOrientation(true)
	case gameroom.PhaseStartLoading:
		d.game.LoadingComplete()
	case gameroom.PhaseChapterActive:
		close(d.active)
	}
}

func (d *raceDriver) OnError(err error) {
	log.Warn().Err(err).Str("uid", d.uid).Msg("game error")
}

// PlayRace turns landscape, loads, then walks toward the objective by step
// every position interval until the game ends.
func (p *Peer) PlayRace(ctx context.Context, setup gameroom.Setup, step float64) (gameroom.End, error) {
	d := &raceDriver{uid: p.opts.UserID, active: make(chan struct{})}
	g, err := gameroom.NewRace(p.gameOptions(setup, d))
	if err != nil {
		return gameroom.End{}, err
	}
	d.game = g
	g.Start(ctx)

	go func() {
		select {
		case <-d.active:
		case <-g.Done():
			return
		case <-ctx.Done():
			return
		}
		interval := max(p.opts.Game.PositionInterval, 10*time.Millisecond)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		x := gameroom.StartX
		for {
			select {
			case <-g.Done():
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				x += step
				g.Move(x, gameroom.ObjectiveY)
			}
		}
	}()
	return p.wait(ctx, g.Done(), g.Leave, g.Result)
}

// leaveWait bounds how long a cancelled play waits for its leave to land.
const leaveWait = 5 * time.Second

// wait returns when the game ends or ctx does. On cancellation the game is
// left, and the forfeit is written before wait returns.
func (p *Peer) wait(ctx context.Context, done <-chan struct{}, leave func(), result func() gameroom.End) (gameroom.End, error) {
	select {
	case <-done:
		return result(), nil
	case <-ctx.Done():
	}
	leave()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveWait)
	defer cancel()
	if err := p.loop.Sync(sctx); err != nil {
		log.Warn().Err(err).Str("uid", p.opts.UserID).Msg("leave did not complete")
	}
	return result(), ctx.Err()
}
