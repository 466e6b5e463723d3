package invitation

import (
	"context"
	"fmt"

	"duoplay/internal/chat"
	"duoplay/internal/gameroom"
	"duoplay/internal/metrics"
	"duoplay/internal/rendezvous"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Propose charges the proposer cost and writes a pending invitation plus its
// message. The returned invitation carries the room id the game will use.
func (c *Coordinator) Propose(ctx context.Context, game gameroom.Variant) (Invitation, error) {
	if !game.Valid() {
		return Invitation{}, fmt.Errorf("%w: unknown game %q", ErrInvalidSetup, game)
	}
	var out Invitation
	err := c.do(ctx, func() error {
		inv, err := c.propose(ctx, game)
		out = inv
		return err
	})
	return out, err
}

func (c *Coordinator) propose(ctx context.Context, game gameroom.Variant) (Invitation, error) {
	if c.present && c.current.Status == StatusPending {
		return Invitation{}, ErrInvitationPending
	}
	cost := c.opts.Game.ProposerCost
	if err := c.charge(ctx, cost, "invitation_proposed"); err != nil {
		return Invitation{}, err
	}

	inv := Invitation{
		Status:       StatusPending,
		ProposedBy:   c.opts.UserID,
		ProposerName: c.opts.UserName,
		GameRoomID:   uuid.NewString(),
		Game:         game,
		MessageID:    rendezvous.NewPushID(),
	}
	_, committed, err := c.opts.Store.Transaction(ctx, c.path(), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("status").Str() == StatusPending {
			return nil, rendezvous.ErrAbort
		}
		return map[string]any{
			"status":       inv.Status,
			"proposedBy":   inv.ProposedBy,
			"proposerName": inv.ProposerName,
			"gameRoomId":   inv.GameRoomID,
			"game":         string(inv.Game),
			"messageId":    inv.MessageID,
			"createdAt":    rendezvous.ServerTimestamp,
		}, nil
	})
	if err != nil || !committed {
		c.refund(ctx, cost, "invitation_refund")
		if err != nil {
			return Invitation{}, fmt.Errorf("write invitation: %w", err)
		}
		return Invitation{}, ErrInvitationPending
	}
	metrics.Invitations.WithLabelValues(StatusPending).Inc()

	err = c.opts.Store.Set(ctx, c.messagePath(inv.MessageID), map[string]any{
		"senderId":         c.opts.UserID,
		"senderName":       c.opts.UserName,
		"text":             fmt.Sprintf("%s invited you to play %s", c.opts.UserName, inv.Game),
		"timestamp":        rendezvous.ServerTimestamp,
		"messageType":      chat.TypeGameInvitation,
		"invitationStatus": StatusPending,
		"gameRoomId":       inv.GameRoomID,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", c.opts.SessionID).Msg("invitation message write failed")
	}

	c.timer.Stop()
	room := inv.GameRoomID
	c.timer = c.opts.Loop.AfterFunc(c.opts.Game.InviteTimeout, func() { c.expire(room) })
	log.Info().
		Str("session_id", c.opts.SessionID).
		Str("room_id", room).
		Str("game", string(game)).
		Int64("cost", cost).
		Msg("game invitation sent")
	return inv, nil
}

// expire marks the invitation timed out if it is still pending for room.
// The proposer's tokens stay spent unless RefundOnTimeout is set.
func (c *Coordinator) expire(room string) {
	ctx := c.watchCtx()
	snap, committed, err := c.opts.Store.Transaction(ctx, c.path(), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("status").Str() != StatusPending || cur.Child("gameRoomId").Str() != room {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), map[string]any{
			"status":     StatusTimeout,
			"timedOutAt": rendezvous.ServerTimestamp,
		}), nil
	})
	if err != nil {
		c.listener.OnError(fmt.Errorf("expire invitation: %w", err))
		return
	}
	if !committed {
		return
	}
	metrics.Invitations.WithLabelValues(StatusTimeout).Inc()
	if id := snap.Child("messageId").Str(); id != "" {
		c.setMessageStatus(id, StatusTimeout)
	}
	if c.opts.Game.RefundOnTimeout {
		c.refund(ctx, c.opts.Game.ProposerCost, "invitation_timeout_refund")
		return
	}
	log.Warn().
		Str("session_id", c.opts.SessionID).
		Str("room_id", room).
		Int64("forfeited", c.opts.Game.ProposerCost).
		Msg("invitation timed out, tokens forfeited")
}
