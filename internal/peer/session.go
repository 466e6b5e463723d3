package peer

import (
	"context"
	"fmt"

	"duoplay/internal/chat"
	"duoplay/internal/gameroom"
	"duoplay/internal/invitation"
	"duoplay/internal/matchmaking"

	"github.com/rs/zerolog/log"
)

const eventBuffer = 16

// Session is an open paired session with its invitation handshake.
type Session struct {
	match matchmaking.Match
	chat  *chat.Session
	inv   *invitation.Coordinator
	ev    *sessionEvents
}

// sessionEvents turns loop callbacks into channels. Sends never block the
// loop; an event that does not fit is dropped with a warning.
type sessionEvents struct {
	uid      string
	messages chan chat.Message
	invited  chan invitation.Invitation
	accepted chan gameroom.Setup
	closed   chan invitation.Invitation
	ended    chan string
}

func newSessionEvents(uid string) *sessionEvents {
	return &sessionEvents{
		uid:      uid,
		messages: make(chan chat.Message, eventBuffer),
		invited:  make(chan invitation.Invitation, eventBuffer),
		accepted: make(chan gameroom.Setup, eventBuffer),
		closed:   make(chan invitation.Invitation, eventBuffer),
		ended:    make(chan string, 1),
	}
}

func offer[T any](uid, what string, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("uid", uid).Str("event", what).Msg("event buffer full, dropping")
	}
}

func (e *sessionEvents) OnMessage(m chat.Message)           { offer(e.uid, "message", e.messages, m) }
func (e *sessionEvents) OnPartnerPresence(bool)             {}
func (e *sessionEvents) OnSessionEnded(reason string)       { offer(e.uid, "session_ended", e.ended, reason) }
func (e *sessionEvents) OnInvited(i invitation.Invitation)  { offer(e.uid, "invited", e.invited, i) }
func (e *sessionEvents) OnAccepted(s gameroom.Setup)        { offer(e.uid, "accepted", e.accepted, s) }
func (e *sessionEvents) OnDeclined(i invitation.Invitation) { offer(e.uid, "declined", e.closed, i) }
func (e *sessionEvents) OnTimedOut(i invitation.Invitation) { offer(e.uid, "timed_out", e.closed, i) }

func (e *sessionEvents) OnInsufficientFunds(balance int64) {
	log.Info().Str("uid", e.uid).Int64("balance", balance).Msg("not enough game tokens")
}

func (e *sessionEvents) OnError(err error) {
	log.Warn().Err(err).Str("uid", e.uid).Msg("invitation error")
}

// Open joins the paired session of match and starts following its
// invitation.
func (p *Peer) Open(ctx context.Context, match matchmaking.Match) (*Session, error) {
	ev := newSessionEvents(p.opts.UserID)
	cs, err := chat.Open(chat.Options{
		Loop:      p.loop,
		Store:     p.opts.Store,
		Presence:  p.presence,
		SessionID: match.SessionID,
		UserID:    p.opts.UserID,
		UserName:  p.opts.UserName,
		PartnerID: match.PartnerID,
		Listener:  ev,
	})
	if err != nil {
		return nil, err
	}
	if err := cs.Monitor(ctx); err != nil {
		return nil, fmt.Errorf("monitor session: %w", err)
	}
	inv, err := invitation.New(invitation.Options{
		Loop:        p.loop,
		Store:       p.opts.Store,
		Ledger:      p.ledger,
		Game:        p.opts.Game,
		SessionID:   match.SessionID,
		UserID:      p.opts.UserID,
		UserName:    p.opts.UserName,
		PartnerID:   match.PartnerID,
		PartnerName: match.PartnerName,
		Listener:    ev,
	})
	if err != nil {
		return nil, err
	}
	if err := inv.Watch(ctx); err != nil {
		return nil, err
	}
	return &Session{match: match, chat: cs, inv: inv, ev: ev}, nil
}

func (s *Session) ID() string { return s.match.SessionID }

// Messages delivers chat messages, including invitation status changes.
func (s *Session) Messages() <-chan chat.Message { return s.ev.messages }

func (s *Session) Say(ctx context.Context, text string) error {
	_, err := s.chat.Post(ctx, text)
	return err
}

func (s *Session) Propose(ctx context.Context, game gameroom.Variant) (invitation.Invitation, error) {
	return s.inv.Propose(ctx, game)
}

func (s *Session) Accept(ctx context.Context) error  { return s.inv.Accept(ctx) }
func (s *Session) Decline(ctx context.Context) error { return s.inv.Decline(ctx) }

// WaitInvitation blocks until the partner proposes a game.
func (s *Session) WaitInvitation(ctx context.Context) (invitation.Invitation, error) {
	select {
	case inv := <-s.ev.invited:
		return inv, nil
	case r := <-s.ev.ended:
		return invitation.Invitation{}, fmt.Errorf("%w: %s", chat.ErrSessionEnded, r)
	case <-ctx.Done():
		return invitation.Invitation{}, ctx.Err()
	}
}

// WaitGame blocks until an invitation is accepted and its room exists. A
// declined or expired invitation returns ErrInvitationClosed.
func (s *Session) WaitGame(ctx context.Context) (gameroom.Setup, error) {
	select {
	case setup := <-s.ev.accepted:
		return setup, nil
	case inv := <-s.ev.closed:
		return gameroom.Setup{}, fmt.Errorf("%w: %s", invitation.ErrInvitationClosed, inv.Status)
	case r := <-s.ev.ended:
		return gameroom.Setup{}, fmt.Errorf("%w: %s", chat.ErrSessionEnded, r)
	case <-ctx.Done():
		return gameroom.Setup{}, ctx.Err()
	}
}

// Leave stops the handshake and leaves the chat session.
func (s *Session) Leave(ctx context.Context) error {
	s.inv.Close()
	return s.chat.Leave(ctx)
}
