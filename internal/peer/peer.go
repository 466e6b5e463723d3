// Package peer assembles one user's client: ledger, presence, matchmaking,
// the paired session with its invitation handshake, and the game machines.
// Its methods block, so simulators and tests can script a user step by step.
package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"duoplay/internal/config"
	"duoplay/internal/ledger"
	"duoplay/internal/matchmaking"
	"duoplay/internal/presence"
	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

var ErrInvalidSetup = errors.New("invalid_setup")

type Options struct {
	Store    rendezvous.Store
	Journal  ledger.Journal
	Game     config.GameConfig
	UserID   string
	UserName string
	Rand     *rand.Rand
}

type Peer struct {
	opts     Options
	loop     *rendezvous.Loop
	ledger   *ledger.Ledger
	presence *presence.Tracker
	rng      *rand.Rand
}

func New(opts Options) (*Peer, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: missing store", ErrInvalidSetup)
	case opts.UserID == "":
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidSetup)
	}
	if opts.UserName == "" {
		opts.UserName = opts.UserID
	}
	var lopts []ledger.Option
	if opts.Journal != nil {
		lopts = append(lopts, ledger.WithJournal(opts.Journal))
	}
	p := &Peer{
		opts:     opts,
		loop:     rendezvous.NewLoop(),
		ledger:   ledger.New(opts.Store, lopts...),
		presence: presence.NewTracker(opts.Store),
		rng:      opts.Rand,
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p, nil
}

func (p *Peer) ID() string   { return p.opts.UserID }
func (p *Peer) Name() string { return p.opts.UserName }

func (p *Peer) Ledger() *ledger.Ledger { return p.ledger }

// Online makes sure the user record exists and marks the user present.
func (p *Peer) Online(ctx context.Context) (ledger.Profile, error) {
	prof, err := p.ledger.EnsureUser(ctx, p.opts.UserID, p.opts.UserName)
	if err != nil {
		return ledger.Profile{}, err
	}
	if err := p.presence.GoOnline(ctx, p.opts.UserID, p.opts.UserName); err != nil {
		return ledger.Profile{}, fmt.Errorf("go online: %w", err)
	}
	return prof, nil
}

func (p *Peer) Profile(ctx context.Context) (ledger.Profile, error) {
	return p.ledger.Profile(ctx, p.opts.UserID)
}

// Close marks the user offline and stops the peer's loop. The store is left
// open; it belongs to the caller.
func (p *Peer) Close(ctx context.Context) error {
	err := p.presence.GoOffline(ctx, p.opts.UserID)
	p.loop.Close()
	return err
}

// FindPartner runs one matchmaking search to its end.
func (p *Peer) FindPartner(ctx context.Context) (matchmaking.Match, error) {
	m, err := matchmaking.New(matchmaking.Options{
		Loop:     p.loop,
		Store:    p.opts.Store,
		Ledger:   p.ledger,
		Presence: p.presence,
		Game:     p.opts.Game,
		UserID:   p.opts.UserID,
		UserName: p.opts.UserName,
		Rand:     rand.New(rand.NewSource(p.rng.Int63())),
	})
	if err != nil {
		return matchmaking.Match{}, err
	}
	m.Start(ctx)
	select {
	case <-m.Done():
	case <-ctx.Done():
		m.Cancel()
		<-m.Done()
	}
	match, err := m.Result()
	if err != nil {
		return match, err
	}
	log.Info().
		Str("uid", p.opts.UserID).
		Str("session_id", match.SessionID).
		Str("partner", match.PartnerID).
		Bool("created", match.Created).
		Msg("paired")
	return match, nil
}
