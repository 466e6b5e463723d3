package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"duoplay/internal/app"
	"duoplay/internal/config"
	"duoplay/internal/gameroom"
	"duoplay/internal/ledger"
	"duoplay/internal/matchmaking"
	"duoplay/internal/peer"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Result summarises one simulated run.
type Result struct {
	SessionID string
	RoomID    string
	EndA      gameroom.End
	EndB      gameroom.End
	ProfileA  ledger.Profile
	ProfileB  ledger.Profile
}

type scenario struct {
	backend *app.Backend
	game    config.GameConfig
	peers   config.PeerConfig
	journal ledger.Journal
	seed    int64
}

// newPeer brings a user online on its own connection. The returned func
// takes the user offline and drops the connection.
func (s *scenario) newPeer(ctx context.Context, uid, name string, seed int64) (*peer.Peer, func(), error) {
	st, err := s.backend.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := peer.New(peer.Options{
		Store:    st,
		Journal:  s.journal,
		Game:     s.game,
		UserID:   uid,
		UserName: name,
		Rand:     rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = p.Close(context.Background())
		_ = st.Close()
	}
	if _, err := p.Online(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return p, closeFn, nil
}

// run pairs A and B, has A propose the configured game, B accept, and plays
// it so that A wins.
func (s *scenario) run(ctx context.Context) (Result, error) {
	variant := gameroom.Variant(s.peers.Variant)
	if !variant.Valid() {
		return Result{}, fmt.Errorf("unknown game %q", s.peers.Variant)
	}
	a, closeA, err := s.newPeer(ctx, s.peers.UserA, s.peers.NameA, s.seed)
	if err != nil {
		return Result{}, fmt.Errorf("peer a: %w", err)
	}
	defer closeA()
	b, closeB, err := s.newPeer(ctx, s.peers.UserB, s.peers.NameB, s.seed+1)
	if err != nil {
		return Result{}, fmt.Errorf("peer b: %w", err)
	}
	defer closeB()

	var ma, mb matchmaking.Match
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { ma, err = a.FindPartner(gctx); return err })
	g.Go(func() (err error) { mb, err = b.FindPartner(gctx); return err })
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("matchmaking: %w", err)
	}
	res := Result{SessionID: ma.SessionID}

	sa, err := a.Open(ctx, ma)
	if err != nil {
		return res, fmt.Errorf("open session a: %w", err)
	}
	defer sa.Leave(context.Background())
	sb, err := b.Open(ctx, mb)
	if err != nil {
		return res, fmt.Errorf("open session b: %w", err)
	}
	defer sb.Leave(context.Background())

	if _, err := sa.Propose(ctx, variant); err != nil {
		return res, fmt.Errorf("propose: %w", err)
	}
	if _, err := sb.WaitInvitation(ctx); err != nil {
		return res, fmt.Errorf("wait invitation: %w", err)
	}
	if err := sb.Accept(ctx); err != nil {
		return res, fmt.Errorf("accept: %w", err)
	}
	ga, err := sa.WaitGame(ctx)
	if err != nil {
		return res, fmt.Errorf("wait game a: %w", err)
	}
	gb, err := sb.WaitGame(ctx)
	if err != nil {
		return res, fmt.Errorf("wait game b: %w", err)
	}
	res.RoomID = ga.RoomID
	log.Info().Str("room_id", ga.RoomID).Str("game", string(variant)).Msg("game room ready")

	g, gctx = errgroup.WithContext(ctx)
	switch variant {
	case gameroom.RPS:
		g.Go(func() (err error) { res.EndA, err = a.PlayRPS(gctx, ga, peer.Always(gameroom.Paper)); return err })
		g.Go(func() (err error) { res.EndB, err = b.PlayRPS(gctx, gb, peer.Always(gameroom.Stone)); return err })
	case gameroom.Race:
		g.Go(func() (err error) { res.EndA, err = a.PlayRace(gctx, ga, 0.05); return err })
		g.Go(func() (err error) { res.EndB, err = b.PlayRace(gctx, gb, 0.005); return err })
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("play: %w", err)
	}
	if !res.EndA.Won || res.EndB.Won {
		return res, fmt.Errorf("unexpected outcome: a=%+v b=%+v", res.EndA, res.EndB)
	}

	if res.ProfileA, err = a.Profile(ctx); err != nil {
		return res, err
	}
	if res.ProfileB, err = b.Profile(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func logResult(res Result, took time.Duration) {
	for _, p := range []ledger.Profile{res.ProfileA, res.ProfileB} {
		log.Info().
			Str("name", p.Name).
			Int64("coins", p.Coins).
			Int64("game_tokens", p.GameTokens).
			Int64("wins", p.Wins).
			Int64("xp", p.XP).
			Int64("level", p.Level).
			Msg("final profile")
	}
	log.Info().
		Str("session_id", res.SessionID).
		Str("room_id", res.RoomID).
		Str("winner", res.EndA.Winner).
		Str("reason", res.EndA.Reason).
		Dur("took", took).
		Msg("simulation finished")
}
