package invitation

import (
	"context"
	"fmt"

	"duoplay/internal/metrics"
	"duoplay/internal/rendezvous"
)

// Accept charges the acceptor cost and moves the partner's pending
// invitation to accepted. If the invitation closed in the meantime the
// tokens are refunded and ErrInvitationClosed is returned.
func (c *Coordinator) Accept(ctx context.Context) error {
	return c.do(ctx, func() error { return c.accept(ctx) })
}

func (c *Coordinator) Decline(ctx context.Context) error {
	return c.do(ctx, func() error { return c.decline(ctx) })
}

func (c *Coordinator) incoming() (Invitation, error) {
	if !c.present || c.current.Status != StatusPending || c.current.ProposedBy == c.opts.UserID {
		return Invitation{}, ErrNoInvitation
	}
	return c.current, nil
}

func (c *Coordinator) accept(ctx context.Context) error {
	inv, err := c.incoming()
	if err != nil {
		return err
	}
	cost := c.opts.Game.AcceptorCost
	if err := c.charge(ctx, cost, "invitation_accepted"); err != nil {
		return err
	}
	snap, committed, err := c.respond(ctx, inv, map[string]any{
		"status":     StatusAccepted,
		"acceptedBy": c.opts.UserID,
		"acceptedAt": rendezvous.ServerTimestamp,
	})
	if err != nil || !committed {
		c.refund(ctx, cost, "invitation_refund")
		if err != nil {
			return fmt.Errorf("accept invitation: %w", err)
		}
		return ErrInvitationClosed
	}
	metrics.Invitations.WithLabelValues(StatusAccepted).Inc()
	if inv.MessageID != "" {
		c.setMessageStatus(inv.MessageID, StatusAccepted)
	}
	accepted, _ := decode(snap)
	c.handled[accepted.GameRoomID] = StatusAccepted
	c.openRoom(accepted)
	return nil
}

func (c *Coordinator) decline(ctx context.Context) error {
	inv, err := c.incoming()
	if err != nil {
		return err
	}
	_, committed, err := c.respond(ctx, inv, map[string]any{
		"status":     StatusDeclined,
		"declinedBy": c.opts.UserID,
		"declinedAt": rendezvous.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("decline invitation: %w", err)
	}
	if !committed {
		return ErrInvitationClosed
	}
	metrics.Invitations.WithLabelValues(StatusDeclined).Inc()
	if inv.MessageID != "" {
		c.setMessageStatus(inv.MessageID, StatusDeclined)
	}
	return nil
}

// respond applies changes only while inv is still the pending invitation.
func (c *Coordinator) respond(ctx context.Context, inv Invitation, changes map[string]any) (rendezvous.Snapshot, bool, error) {
	return c.opts.Store.Transaction(ctx, c.path(), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("status").Str() != StatusPending || cur.Child("gameRoomId").Str() != inv.GameRoomID {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), changes), nil
	})
}
