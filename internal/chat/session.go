// Package chat drives one side of a paired chatRooms session: its message
// log, partner liveness and the leave protocol.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duoplay/internal/presence"
	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

const (
	SessionRoot = "chatRooms"
	MessageRoot = "messages"

	TypeText           = "text"
	TypeGameInvitation = "game_invitation"
)

var (
	ErrInvalidSetup = errors.New("invalid_setup")
	ErrEmptyMessage = errors.New("empty_message")
	ErrSessionEnded = errors.New("session_ended")
)

type Message struct {
	ID               string `json:"-"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	Text             string `json:"text"`
	Timestamp        int64  `json:"timestamp"`
	MessageType      string `json:"messageType"`
	InvitationStatus string `json:"invitationStatus,omitempty"`
	GameRoomID       string `json:"gameRoomId,omitempty"`
}

type Listener interface {
	OnMessage(Message)
	OnPartnerPresence(online bool)
	// OnSessionEnded fires once, when the partner left or the session vanished.
	OnSessionEnded(reason string)
}

type NopListener struct{}

func (NopListener) OnMessage(Message)      {}
func (NopListener) OnPartnerPresence(bool) {}
func (NopListener) OnSessionEnded(string)  {}

const (
	EndPartnerLeft = "partner_left"
	EndRemoved     = "session_removed"
)

type Options struct {
	Loop      *rendezvous.Loop
	Store     rendezvous.Store
	Presence  *presence.Tracker
	SessionID string
	UserID    string
	UserName  string
	PartnerID string
	Listener  Listener
}

// Session is loop-owned after Monitor.
type Session struct {
	opts     Options
	listener Listener

	watches []*rendezvous.Watch
	seen    map[string]string
	ended   bool
}

func Open(opts Options) (*Session, error) {
	switch {
	case opts.Loop == nil, opts.Store == nil, opts.Presence == nil:
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidSetup)
	case opts.SessionID == "", opts.UserID == "", opts.PartnerID == "":
		return nil, fmt.Errorf("%w: missing session or peer id", ErrInvalidSetup)
	}
	s := &Session{opts: opts, listener: opts.Listener, seen: map[string]string{}}
	if s.listener == nil {
		s.listener = NopListener{}
	}
	return s, nil
}

func (s *Session) ID() string        { return s.opts.SessionID }
func (s *Session) PartnerID() string { return s.opts.PartnerID }

func (s *Session) path(rel ...string) string {
	return rendezvous.Join(append([]string{SessionRoot, s.opts.SessionID}, rel...)...)
}

func (s *Session) messagesPath() string {
	return rendezvous.Join(MessageRoot, s.opts.SessionID)
}

// Post appends a text message to the session log.
func (s *Session) Post(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return s.opts.Store.Push(ctx, s.messagesPath(), map[string]any{
		"senderId":    s.opts.UserID,
		"senderName":  s.opts.UserName,
		"text":        text,
		"timestamp":   rendezvous.ServerTimestamp,
		"messageType": TypeText,
	})
}

// Monitor marks this peer as present in the session, arms the store-side
// leave on connection loss and starts delivering events to the listener.
func (s *Session) Monitor(ctx context.Context) error {
	if err := s.opts.Store.OnDisconnect(ctx, s.path("participants", s.opts.UserID), false); err != nil {
		return err
	}
	w, err := s.opts.Presence.Watch(ctx, s.opts.Loop, s.opts.PartnerID, func(online bool) {
		if !s.ended {
			s.listener.OnPartnerPresence(online)
		}
	})
	if err != nil {
		return err
	}
	s.watches = append(s.watches, w)

	w, err = s.opts.Loop.Watch(ctx, s.opts.Store, s.path(), s.onSession)
	if err != nil {
		s.stop()
		return err
	}
	s.watches = append(s.watches, w)

	w, err = s.opts.Loop.Watch(ctx, s.opts.Store, s.messagesPath(), s.onMessages)
	if err != nil {
		s.stop()
		return err
	}
	s.watches = append(s.watches, w)
	return nil
}

func (s *Session) onSession(snap rendezvous.Snapshot) {
	if s.ended {
		return
	}
	switch {
	case !snap.Exists():
		s.end(EndRemoved)
	case !snap.Child("active").Bool():
		s.end(EndRemoved)
	case snap.Child("participants").Child(s.opts.PartnerID).Exists() && !snap.Child("participants").Child(s.opts.PartnerID).Bool():
		s.end(EndPartnerLeft)
	}
}

// onMessages delivers new messages and invitation messages whose status
// changed.
func (s *Session) onMessages(snap rendezvous.Snapshot) {
	if s.ended {
		return
	}
	for _, c := range snap.Children() {
		status := c.Child("invitationStatus").Str()
		if prev, ok := s.seen[c.Key()]; ok && prev == status {
			continue
		}
		s.seen[c.Key()] = status
		var m Message
		if err := c.Decode(&m); err != nil {
			log.Warn().Err(err).Str("session_id", s.opts.SessionID).Str("message_id", c.Key()).Msg("skip undecodable message")
			continue
		}
		m.ID = c.Key()
		s.listener.OnMessage(m)
	}
}

func (s *Session) end(reason string) {
	s.ended = true
	s.stop()
	s.listener.OnSessionEnded(reason)
}

func (s *Session) stop() {
	for _, w := range s.watches {
		w.Cancel()
	}
	s.watches = nil
}

// Leave flips our participant flag and deletes the session, with its log,
// once no participant is left. A session that is already gone is never
// recreated, so Leave is safe to repeat.
func (s *Session) Leave(ctx context.Context) error {
	s.opts.Loop.Post(func() {
		s.ended = true
		s.stop()
	})
	_ = s.opts.Store.CancelOnDisconnect(ctx, s.path("participants", s.opts.UserID))
	deleted := false
	_, _, err := s.opts.Store.Transaction(ctx, s.path(), func(cur rendezvous.Snapshot) (any, error) {
		deleted = false
		if !cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		next := rendezvous.Patch(cur.Value(), map[string]any{
			rendezvous.Join("participants", s.opts.UserID): false,
		})
		for _, p := range rendezvous.NewSnapshot("", next).Child("participants").Children() {
			if p.Bool() {
				return next, nil
			}
		}
		deleted = true
		return nil, nil
	})
	if err != nil {
		return err
	}
	if deleted {
		log.Info().Str("session_id", s.opts.SessionID).Msg("session deleted after both peers left")
		return s.opts.Store.Set(ctx, s.messagesPath(), nil)
	}
	return nil
}
