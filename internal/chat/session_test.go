package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"duoplay/internal/chat"
	"duoplay/internal/presence"
	"duoplay/internal/rendezvous"
	"duoplay/internal/rendezvous/memstore"
	"duoplay/internal/testutil"
)

type events struct {
	mu       sync.Mutex
	messages []chat.Message
	presence []bool
	ended    []string
}

func (e *events) OnMessage(m chat.Message) {
	e.mu.Lock()
	e.messages = append(e.messages, m)
	e.mu.Unlock()
}

func (e *events) OnPartnerPresence(online bool) {
	e.mu.Lock()
	e.presence = append(e.presence, online)
	e.mu.Unlock()
}

func (e *events) OnSessionEnded(reason string) {
	e.mu.Lock()
	e.ended = append(e.ended, reason)
	e.mu.Unlock()
}

func (e *events) snapshot() ([]chat.Message, []bool, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]chat.Message(nil), e.messages...), append([]bool(nil), e.presence...), append([]string(nil), e.ended...)
}

func seedSession(t *testing.T, srv *memstore.Server) {
	t.Helper()
	err := srv.Connect().Set(context.Background(), "chatRooms/s1", map[string]any{
		"participant1": "a",
		"participant2": "b",
		"active":       true,
		"participants": map[string]any{"a": true, "b": true},
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func openSide(t *testing.T, srv *memstore.Server, uid, partner string, ev *events) (*chat.Session, *memstore.Client) {
	t.Helper()
	conn := srv.Connect()
	loop := rendezvous.NewLoop()
	t.Cleanup(loop.Close)
	tr := presence.NewTracker(conn)
	if err := tr.GoOnline(context.Background(), uid, uid); err != nil {
		t.Fatalf("GoOnline() error = %v", err)
	}
	s, err := chat.Open(chat.Options{
		Loop: loop, Store: conn, Presence: tr,
		SessionID: "s1", UserID: uid, UserName: uid, PartnerID: partner,
		Listener: ev,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	return s, conn
}

func TestOpenRejectsMissingIDs(t *testing.T) {
	_, err := chat.Open(chat.Options{Loop: rendezvous.NewLoop()})
	if !errors.Is(err, chat.ErrInvalidSetup) {
		t.Fatalf("Open() error = %v, want ErrInvalidSetup", err)
	}
}

func TestPostDeliversToPartner(t *testing.T) {
	srv := testutil.MemServer(t)
	seedSession(t, srv)
	evA, evB := &events{}, &events{}
	a, _ := openSide(t, srv, "a", "b", evA)
	openSide(t, srv, "b", "a", evB)

	if _, err := a.Post(context.Background(), "   "); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("Post(blank) error = %v, want ErrEmptyMessage", err)
	}
	if _, err := a.Post(context.Background(), "hi there"); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	testutil.WaitFor(t, "message at b", func() bool {
		msgs, _, _ := evB.snapshot()
		return len(msgs) == 1
	})
	msgs, _, _ := evB.snapshot()
	if msgs[0].Text != "hi there" || msgs[0].SenderID != "a" || msgs[0].MessageType != chat.TypeText || msgs[0].Timestamp == 0 {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestPartnerDisconnectIsObserved(t *testing.T) {
	srv := testutil.MemServer(t)
	seedSession(t, srv)
	evA := &events{}
	openSide(t, srv, "a", "b", evA)
	_, connB := openSide(t, srv, "b", "a", &events{})

	_ = connB.Close()
	testutil.WaitFor(t, "partner left", func() bool {
		_, _, ended := evA.snapshot()
		return len(ended) == 1
	})
	_, _, ended := evA.snapshot()
	if ended[0] != chat.EndPartnerLeft {
		t.Fatalf("ended = %v, want partner_left", ended)
	}
}

func TestLeaveDeletesOnceBothGone(t *testing.T) {
	srv := testutil.MemServer(t)
	seedSession(t, srv)
	a, _ := openSide(t, srv, "a", "b", &events{})
	b, _ := openSide(t, srv, "b", "a", &events{})
	ctx := context.Background()
	_, _ = a.Post(ctx, "bye")

	if err := a.Leave(ctx); err != nil {
		t.Fatalf("a.Leave() error = %v", err)
	}
	if !srv.Get("chatRooms/s1").Exists() {
		t.Fatal("session deleted while b still present")
	}
	if srv.Get("chatRooms/s1/participants/a").Bool() {
		t.Fatal("a still marked present")
	}
	if err := b.Leave(ctx); err != nil {
		t.Fatalf("b.Leave() error = %v", err)
	}
	if srv.Get("chatRooms/s1").Exists() || srv.Get("messages/s1").Exists() {
		t.Fatal("session or log survived both leaves")
	}
	if err := b.Leave(ctx); err != nil {
		t.Fatalf("repeated Leave() error = %v", err)
	}
}
