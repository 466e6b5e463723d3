// Package gameroom runs one peer's side of a two-player game room stored at
// gameRooms/{id}. The initiator is the only writer of phase, score and
// lifecycle fields; each peer writes only the fields keyed by its own id.
package gameroom

import (
	"context"
	"errors"
	"fmt"

	"duoplay/internal/rendezvous"
)

const Root = "gameRooms"

var (
	ErrInvalidSetup  = errors.New("invalid_setup")
	ErrInvalidChoice = errors.New("invalid_choice")
	ErrGameOver      = errors.New("game_over")
)

type Role int

const (
	Participant Role = iota
	Initiator
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "participant"
}

type Variant string

const (
	RPS  Variant = "rps"
	Race Variant = "race"
)

func (v Variant) Valid() bool { return v == RPS || v == Race }

const (
	PhaseWaitingPlayers   = "waiting_players"
	PhaseWaitingChoices   = "waiting_choices"
	PhaseRevealResults    = "reveal_results"
	PhaseOrientationCheck = "orientation_check"
	PhaseStartLoading     = "start_loading"
	PhaseChapterActive    = "chapter1_active"
	PhaseGameOver         = "game_over"
)

const (
	ReasonRoundsWon        = "rounds_won"
	ReasonObjectiveReached = "objective_reached"
	ReasonPlayerLeft       = "player_left"
	ReasonPartnerLeft      = "partner_left"
	ReasonDisconnected     = "partner_disconnected"
	ReasonFailedToJoin     = "partner_failed_to_join"
	ReasonRoomRemoved      = "room_removed"
	ReasonStalled          = "stalled"
)

// Setup is everything a peer needs to run its side of a room.
type Setup struct {
	RoomID      string
	SessionID   string
	Game        Variant
	Role        Role
	UserID      string
	UserName    string
	PartnerID   string
	PartnerName string
}

func (s Setup) Validate() error {
	switch {
	case s.RoomID == "":
		return fmt.Errorf("%w: missing room id", ErrInvalidSetup)
	case s.UserID == "" || s.PartnerID == "":
		return fmt.Errorf("%w: missing peer id", ErrInvalidSetup)
	case s.UserID == s.PartnerID:
		return fmt.Errorf("%w: peer plays itself", ErrInvalidSetup)
	case !s.Game.Valid():
		return fmt.Errorf("%w: unknown game %q", ErrInvalidSetup, s.Game)
	}
	return rendezvous.ValidatePath(rendezvous.Join(Root, s.RoomID))
}

func (s Setup) InitiatorID() string {
	if s.Role == Initiator {
		return s.UserID
	}
	return s.PartnerID
}

func Path(roomID string, rel ...string) string {
	return rendezvous.Join(append([]string{Root, roomID}, rel...)...)
}

func initialPhase(v Variant) string {
	if v == Race {
		return PhaseOrientationCheck
	}
	return PhaseWaitingPlayers
}

// Create writes the room if it does not exist yet. Either peer may call it;
// the first commit wins and later calls report created=false.
func Create(ctx context.Context, st rendezvous.Store, s Setup) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	_, created, err := st.Transaction(ctx, Path(s.RoomID), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		return map[string]any{
			"game":        string(s.Game),
			"sessionId":   s.SessionID,
			"initiatorId": s.InitiatorID(),
			"createdAt":   rendezvous.ServerTimestamp,
			"gamePhase":   initialPhase(s.Game),
			"gameStarted": false,
			"gameEnded":   false,
		}, nil
	})
	if err != nil {
		return false, fmt.Errorf("create room: %w", err)
	}
	return created, nil
}
