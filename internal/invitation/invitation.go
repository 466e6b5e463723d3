// Package invitation runs the game invitation handshake inside a paired
// session. The invitation lives at chatRooms/{sessionId}/gameInvitation and
// moves pending -> accepted | declined | timeout. The proposer pays on send,
// the acceptor pays more on accept, and whichever side sees the accept first
// creates the game room.
package invitation

import (
	"context"
	"errors"
	"fmt"

	"duoplay/internal/chat"
	"duoplay/internal/config"
	"duoplay/internal/gameroom"
	"duoplay/internal/ledger"
	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

const (
	StatusPending     = "pending"
	StatusAccepted    = "accepted"
	StatusDeclined    = "declined"
	StatusTimeout     = "timeout"
	StatusRoomCreated = "room_created"
)

var (
	ErrInvalidSetup      = errors.New("invalid_setup")
	ErrInvitationPending = errors.New("invitation_pending")
	ErrInvitationClosed  = errors.New("invitation_closed")
	ErrNoInvitation      = errors.New("no_invitation")
)

type Invitation struct {
	Status       string           `json:"status"`
	ProposedBy   string           `json:"proposedBy"`
	ProposerName string           `json:"proposerName"`
	GameRoomID   string           `json:"gameRoomId"`
	Game         gameroom.Variant `json:"game"`
	MessageID    string           `json:"messageId"`
	CreatedAt    int64            `json:"createdAt"`
	AcceptedBy   string           `json:"acceptedBy,omitempty"`
	DeclinedBy   string           `json:"declinedBy,omitempty"`
}

type Listener interface {
	// OnInvited fires once per invitation the partner proposes.
	OnInvited(Invitation)
	// OnAccepted fires on both sides once the room exists.
	OnAccepted(gameroom.Setup)
	OnDeclined(Invitation)
	OnTimedOut(Invitation)
	OnInsufficientFunds(balance int64)
	OnError(err error)
}

type NopListener struct{}

func (NopListener) OnInvited(Invitation)      {}
func (NopListener) OnAccepted(gameroom.Setup) {}
func (NopListener) OnDeclined(Invitation)     {}
func (NopListener) OnTimedOut(Invitation)     {}
func (NopListener) OnInsufficientFunds(int64) {}
func (NopListener) OnError(error)             {}

type Options struct {
	Loop        *rendezvous.Loop
	Store       rendezvous.Store
	Ledger      *ledger.Ledger
	Game        config.GameConfig
	SessionID   string
	UserID      string
	UserName    string
	PartnerID   string
	PartnerName string
	Listener    Listener
}

// Coordinator is one peer's side of the handshake. Its state is owned by the
// loop; the blocking methods must not be called from the loop.
type Coordinator struct {
	opts     Options
	listener Listener

	ctx     context.Context
	watch   *rendezvous.Watch
	current Invitation
	present bool
	timer   *rendezvous.Timer
	// handled remembers which status of each room was already reported.
	handled map[string]string
	opened  map[string]bool
}

func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Loop == nil, opts.Store == nil, opts.Ledger == nil:
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidSetup)
	case opts.SessionID == "", opts.UserID == "", opts.PartnerID == "":
		return nil, fmt.Errorf("%w: session, user and partner ids are required", ErrInvalidSetup)
	case opts.UserID == opts.PartnerID:
		return nil, fmt.Errorf("%w: user is its own partner", ErrInvalidSetup)
	}
	c := &Coordinator{
		opts:     opts,
		listener: opts.Listener,
		handled:  make(map[string]string),
		opened:   make(map[string]bool),
	}
	if c.listener == nil {
		c.listener = NopListener{}
	}
	return c, nil
}

// watchCtx is the Watch context, for work started by store events.
func (c *Coordinator) watchCtx() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Coordinator) path() string {
	return rendezvous.Join(chat.SessionRoot, c.opts.SessionID, "gameInvitation")
}

func (c *Coordinator) messagePath(id string, rel ...string) string {
	return rendezvous.Join(append([]string{chat.MessageRoot, c.opts.SessionID, id}, rel...)...)
}

// Watch starts following the session's invitation. It runs until ctx ends or
// Close is called.
func (c *Coordinator) Watch(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.watch != nil {
			return nil
		}
		c.ctx = ctx
		w, err := c.opts.Loop.Watch(ctx, c.opts.Store, c.path(), c.onInvitation)
		if err != nil {
			return fmt.Errorf("watch invitation: %w", err)
		}
		c.watch = w
		return nil
	})
}

func (c *Coordinator) Close() {
	c.opts.Loop.Post(func() {
		c.watch.Cancel()
		c.timer.Stop()
	})
}

// do runs fn on the loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !c.opts.Loop.Post(func() { res <- fn() }) {
		return rendezvous.ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decode(snap rendezvous.Snapshot) (Invitation, bool) {
	var inv Invitation
	if !snap.Exists() {
		return inv, false
	}
	if err := snap.Decode(&inv); err != nil {
		log.Warn().Err(err).Str("path", snap.Path()).Msg("undecodable invitation")
		return inv, false
	}
	return inv, true
}

func (c *Coordinator) onInvitation(snap rendezvous.Snapshot) {
	inv, ok := decode(snap)
	c.current, c.present = inv, ok
	if !ok || inv.GameRoomID == "" || c.handled[inv.GameRoomID] == inv.Status {
		return
	}
	c.handled[inv.GameRoomID] = inv.Status
	mine := inv.ProposedBy == c.opts.UserID

	switch inv.Status {
	case StatusPending:
		if !mine {
			c.listener.OnInvited(inv)
		}
	case StatusAccepted:
		c.openRoom(inv)
	case StatusDeclined:
		if mine {
			c.timer.Stop()
		}
		c.listener.OnDeclined(inv)
	case StatusTimeout:
		c.timer.Stop()
		c.listener.OnTimedOut(inv)
	}
}

func (c *Coordinator) setup(inv Invitation) gameroom.Setup {
	role := gameroom.Participant
	if inv.ProposedBy == c.opts.UserID {
		role = gameroom.Initiator
	}
	return gameroom.Setup{
		RoomID:      inv.GameRoomID,
		SessionID:   c.opts.SessionID,
		Game:        inv.Game,
		Role:        role,
		UserID:      c.opts.UserID,
		UserName:    c.opts.UserName,
		PartnerID:   c.opts.PartnerID,
		PartnerName: c.opts.PartnerName,
	}
}

// openRoom creates the room for an accepted invitation, at most once per
// room on this side. Creation is idempotent across sides.
func (c *Coordinator) openRoom(inv Invitation) {
	if c.opened[inv.GameRoomID] {
		return
	}
	c.opened[inv.GameRoomID] = true
	s := c.setup(inv)
	created, err := gameroom.Create(c.watchCtx(), c.opts.Store, s)
	if err != nil {
		c.opened[inv.GameRoomID] = false
		c.listener.OnError(err)
		return
	}
	if s.Role == gameroom.Initiator {
		c.timer.Stop()
		if inv.MessageID != "" {
			c.setMessageStatus(inv.MessageID, StatusRoomCreated)
		}
	}
	log.Info().
		Str("session_id", c.opts.SessionID).
		Str("room_id", s.RoomID).
		Str("role", s.Role.String()).
		Bool("created", created).
		Msg("game room ready")
	c.listener.OnAccepted(s)
}

func (c *Coordinator) setMessageStatus(id, status string) {
	if err := c.opts.Store.Set(c.watchCtx(), c.messagePath(id, "invitationStatus"), status); err != nil {
		log.Warn().Err(err).Str("message_id", id).Msg("invitation message update failed")
	}
}

// charge check-then-deducts cost tokens, reporting insufficient funds to the
// listener.
func (c *Coordinator) charge(ctx context.Context, cost int64, reason string) error {
	if cost <= 0 {
		return nil
	}
	chk, err := c.opts.Ledger.CheckBalance(ctx, c.opts.UserID, ledger.GameTokens, cost)
	if err != nil {
		return err
	}
	if !chk.Sufficient {
		c.listener.OnInsufficientFunds(chk.Amount)
		return ledger.ErrInsufficientFunds
	}
	bal, err := c.opts.Ledger.Deduct(ctx, c.opts.UserID, ledger.GameTokens, cost, reason)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		c.listener.OnInsufficientFunds(bal)
	}
	return err
}

func (c *Coordinator) refund(ctx context.Context, cost int64, reason string) {
	if cost <= 0 {
		return
	}
	if _, err := c.opts.Ledger.Increment(ctx, c.opts.UserID, ledger.GameTokens, cost, reason); err != nil {
		log.Error().Err(err).Str("uid", c.opts.UserID).Int64("amount", cost).Msg("invitation refund failed")
	}
}
