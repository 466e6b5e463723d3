package gameroom

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"duoplay/internal/config"
	"duoplay/internal/ledger"
	"duoplay/internal/metrics"
	"duoplay/internal/presence"
	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

// writeTimeout bounds each room write once the game's context is detached.
const writeTimeout = 5 * time.Second

// End is the terminal outcome as this peer saw it.
type End struct {
	Winner     string
	WinnerName string
	Reason     string
	Won        bool
	// Started is false when the room ended before play began; no stats are
	// recorded then.
	Started bool
}

type RoundResult struct {
	Round         int
	Outcome       Outcome
	MyChoice      Choice
	PartnerChoice Choice
	MyScore       int64
	PartnerScore  int64
}

type Listener interface {
	OnPhase(phase string)
	OnRoundStarted(round int)
	OnRoundResult(RoundResult)
	OnPartnerPosition(x, y float64)
	OnPartnerDisconnected()
	OnGameEnded(End)
	OnError(err error)
}

type NopListener struct{}

func (NopListener) OnPhase(string)                     {}
func (NopListener) OnRoundStarted(int)                 {}
func (NopListener) OnRoundResult(RoundResult)          {}
func (NopListener) OnPartnerPosition(float64, float64) {}
func (NopListener) OnPartnerDisconnected()             {}
func (NopListener) OnGameEnded(End)                    {}
func (NopListener) OnError(error)                      {}

type Options struct {
	Loop     *rendezvous.Loop
	Store    rendezvous.Store
	Ledger   *ledger.Ledger
	Presence *presence.Tracker
	Game     config.GameConfig
	Setup    Setup
	Listener Listener
	Rand     *rand.Rand
}

// machine is the part every variant shares: joining, watching the room and
// the partner's presence, abandonment claims, the terminal write, stats and
// teardown. Everything below opts runs on the loop.
type machine struct {
	opts     Options
	s        Setup
	cfg      config.GameConfig
	listener Listener
	rng      *rand.Rand
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	handle       func(rendezvous.Snapshot)
	beforeEnd    func(rendezvous.Snapshot)
	onEnd        func()
	stallEnabled bool

	room        rendezvous.Snapshot
	phase       string
	seenRoom    bool
	started     bool
	partnerSeen bool
	ended       bool
	statsDone   bool
	watches     []*rendezvous.Watch
	joinTimer   *rendezvous.Timer
	stall       *rendezvous.Timer
	teardown    *rendezvous.Timer

	doneOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	result   End
}

func newMachine(opts Options, variant Variant) (*machine, error) {
	switch {
	case opts.Loop == nil, opts.Store == nil, opts.Ledger == nil, opts.Presence == nil:
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidSetup)
	case opts.Setup.Game != variant:
		return nil, fmt.Errorf("%w: room game %q is not %q", ErrInvalidSetup, opts.Setup.Game, variant)
	}
	if err := opts.Setup.Validate(); err != nil {
		return nil, err
	}
	m := &machine{
		opts:     opts,
		s:        opts.Setup,
		cfg:      opts.Game,
		listener: opts.Listener,
		rng:      opts.Rand,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if m.listener == nil {
		m.listener = NopListener{}
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m, nil
}

func (m *machine) path(rel ...string) string { return Path(m.s.RoomID, rel...) }

func (m *machine) initiator() bool { return m.s.Role == Initiator }

// Done is closed once the game ended and, on the initiator, the room was
// torn down.
func (m *machine) Done() <-chan struct{} { return m.done }

func (m *machine) Result() End {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Leave ends the game on purpose. During play the partner is written as the
// winner; before play the room just ends without one.
func (m *machine) Leave() {
	m.opts.Loop.Post(func() {
		if m.ended || m.ctx == nil {
			return
		}
		if m.started {
			m.terminal(m.s.PartnerID, ReasonPlayerLeft, nil)
			return
		}
		_, _, err := m.tx(func(cur rendezvous.Snapshot) (any, error) {
			return rendezvous.Patch(cur.Value(), map[string]any{
				rendezvous.Join("players", m.s.UserID, "connected"): false,
			}), nil
		})
		if err != nil {
			log.Warn().Err(err).Str("room_id", m.s.RoomID).Str("uid", m.s.UserID).Msg("mark left before start failed")
		}
		m.finishLocal("", ReasonPlayerLeft)
	})
}

// start joins the room with the variant's join fields and begins watching.
func (m *machine) start(ctx context.Context, join map[string]any) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.opts.Loop.Post(func() {
		joined, err := m.join(join)
		if err != nil {
			m.fail(fmt.Errorf("join room: %w", err))
			return
		}
		if !joined {
			m.finishLocal("", ReasonRoomRemoved)
			return
		}
		if err := m.opts.Store.OnDisconnect(m.ctx, m.path("players", m.s.UserID, "connected"), false); err != nil {
			log.Warn().Err(err).Str("room_id", m.s.RoomID).Msg("register disconnect flag failed")
		}
		w, err := m.opts.Loop.Watch(m.ctx, m.opts.Store, m.path(), m.onRoom)
		if err != nil {
			m.fail(fmt.Errorf("watch room: %w", err))
			return
		}
		m.watches = append(m.watches, w)
		w, err = m.opts.Presence.Watch(m.ctx, m.opts.Loop, m.s.PartnerID, m.onPresence)
		if err != nil {
			m.fail(fmt.Errorf("watch partner presence: %w", err))
			return
		}
		m.watches = append(m.watches, w)
		if m.initiator() {
			m.joinTimer = m.opts.Loop.AfterFunc(m.cfg.JoinTimeout, m.onJoinTimeout)
		}
		m.armStall()
	})
}

func (m *machine) join(fields map[string]any) (bool, error) {
	player := map[string]any{
		"name":      m.s.UserName,
		"connected": true,
		"ready":     true,
		"joinedAt":  rendezvous.ServerTimestamp,
	}
	_, committed, err := m.tx(func(cur rendezvous.Snapshot) (any, error) {
		changes := map[string]any{rendezvous.Join("players", m.s.UserID): player}
		for k, v := range fields {
			changes[k] = v
		}
		return rendezvous.Patch(cur.Value(), changes), nil
	})
	return committed, err
}

// writeCtx is detached from the game's context: a peer that leaves because
// its context ended must still get its terminal writes into the room.
func (m *machine) writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(m.ctx), writeTimeout)
}

// tx runs fn against the room and aborts when the room no longer exists, so
// no write here can recreate a deleted room.
func (m *machine) tx(fn func(cur rendezvous.Snapshot) (any, error)) (rendezvous.Snapshot, bool, error) {
	ctx, cancel := m.writeCtx()
	defer cancel()
	return m.opts.Store.Transaction(ctx, m.path(), func(cur rendezvous.Snapshot) (any, error) {
		if !cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		return fn(cur)
	})
}

func (m *machine) onRoom(snap rendezvous.Snapshot) {
	if m.ended {
		return
	}
	if !snap.Exists() {
		if !m.seenRoom {
			return
		}
		winner := ""
		if m.started {
			winner = m.s.UserID
		}
		m.finishLocal(winner, ReasonRoomRemoved)
		return
	}
	m.seenRoom = true
	m.room = snap
	m.armStall()
	if snap.Child("gameEnded").Bool() {
		if m.beforeEnd != nil {
			m.beforeEnd(snap)
		}
		m.finishFrom(snap)
		return
	}
	m.started = snap.Child("gameStarted").Bool()
	if phase := snap.Child("gamePhase").Str(); phase != m.phase {
		m.phase = phase
		m.listener.OnPhase(phase)
	}

	partner := snap.Child("players").Child(m.s.PartnerID)
	if partner.Exists() {
		if partner.Child("connected").Bool() {
			if !m.partnerSeen {
				m.partnerSeen = true
				m.joinTimer.Stop()
			}
		} else if m.partnerSeen {
			m.listener.OnPartnerDisconnected()
			m.partnerGone(ReasonDisconnected)
			return
		}
	}
	m.handle(snap)
}

func (m *machine) onPresence(online bool) {
	if m.ended || online {
		return
	}
	m.listener.OnPartnerDisconnected()
	m.partnerGone(ReasonDisconnected)
}

func (m *machine) onJoinTimeout() {
	if m.ended || m.partnerSeen {
		return
	}
	log.Warn().Str("room_id", m.s.RoomID).Str("partner", m.s.PartnerID).Msg("partner failed to join")
	m.terminal("", ReasonFailedToJoin, nil)
}

func (m *machine) armStall() {
	if !m.stallEnabled || m.initiator() || m.ended || m.cfg.Stall <= 0 {
		return
	}
	m.stall.Stop()
	m.stall = m.opts.Loop.AfterFunc(m.cfg.Stall, m.onStall)
}

func (m *machine) onStall() {
	if m.ended {
		return
	}
	log.Warn().Str("room_id", m.s.RoomID).Dur("after", m.cfg.Stall).Msg("room stalled, assuming initiator is gone")
	m.partnerGone(ReasonStalled)
}

// partnerGone resolves abandonment: the remaining peer wins a running game,
// a game that never started just ends.
func (m *machine) partnerGone(reason string) {
	if m.started {
		m.terminal(m.s.UserID, reason, nil)
		return
	}
	m.terminal("", reason, nil)
}

// terminal writes the end of the game unless someone already did. The first
// committed terminal transaction wins; a loser adopts the stored result.
func (m *machine) terminal(winner, reason string, extra map[string]any) {
	if m.ended {
		return
	}
	snap, _, err := m.tx(func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("gameEnded").Bool() {
			return nil, rendezvous.ErrAbort
		}
		changes := map[string]any{
			"gameEnded":     true,
			"gamePhase":     PhaseGameOver,
			"gameEndReason": reason,
			"endedAt":       rendezvous.ServerTimestamp,
		}
		if winner != "" {
			changes["winner"] = winner
			changes["winnerName"] = m.nameOf(winner)
		}
		for k, v := range extra {
			changes[k] = v
		}
		return rendezvous.Patch(cur.Value(), changes), nil
	})
	switch {
	case err != nil:
		log.Error().Err(err).Str("room_id", m.s.RoomID).Str("reason", reason).Msg("terminal write failed")
		m.listener.OnError(err)
		m.finishLocal(winner, reason)
	case !snap.Exists():
		m.finishLocal(winner, reason)
	case snap.Child("gameEnded").Bool():
		m.finishFrom(snap)
	}
}

func (m *machine) nameOf(uid string) string {
	if uid == m.s.UserID {
		return m.s.UserName
	}
	if uid == m.s.PartnerID {
		if n := m.room.Child("players").Child(uid).Child("name").Str(); n != "" {
			return n
		}
		return m.s.PartnerName
	}
	return ""
}

func (m *machine) finishFrom(snap rendezvous.Snapshot) {
	winner := snap.Child("winner").Str()
	m.finish(End{
		Winner:     winner,
		WinnerName: snap.Child("winnerName").Str(),
		Reason:     snap.Child("gameEndReason").Str(),
		Won:        winner != "" && winner == m.s.UserID,
		Started:    snap.Child("gameStarted").Bool(),
	})
}

func (m *machine) finishLocal(winner, reason string) {
	m.finish(End{
		Winner:     winner,
		WinnerName: m.nameOf(winner),
		Reason:     reason,
		Won:        winner != "" && winner == m.s.UserID,
		Started:    m.started,
	})
}

func (m *machine) fail(err error) {
	log.Error().Err(err).Str("room_id", m.s.RoomID).Str("uid", m.s.UserID).Msg("game room failed")
	m.listener.OnError(err)
	m.finishLocal("", ReasonRoomRemoved)
}

// finish runs once per room: stop everything, record stats, report, and
// schedule teardown on the initiator.
func (m *machine) finish(e End) {
	if m.ended {
		return
	}
	m.ended = true
	for _, w := range m.watches {
		w.Cancel()
	}
	m.watches = nil
	m.stall.Stop()
	m.joinTimer.Stop()
	if m.onEnd != nil {
		m.onEnd()
	}
	ctx, cancel := m.writeCtx()
	if err := m.opts.Store.CancelOnDisconnect(ctx, m.path("players", m.s.UserID, "connected")); err != nil {
		log.Warn().Err(err).Str("room_id", m.s.RoomID).Msg("cancel disconnect flag failed")
	}
	cancel()

	if e.Started {
		m.recordStats(e.Won)
	}
	metrics.GamesEnded.WithLabelValues(string(m.s.Game), e.Reason).Inc()
	log.Info().
		Str("room_id", m.s.RoomID).
		Str("uid", m.s.UserID).
		Str("winner", e.Winner).
		Str("reason", e.Reason).
		Bool("won", e.Won).
		Msg("game ended")

	m.mu.Lock()
	m.result = e
	m.mu.Unlock()
	m.listener.OnGameEnded(e)

	if !m.initiator() {
		m.close()
		return
	}
	m.teardown = m.opts.Loop.AfterFunc(m.cfg.Teardown, func() {
		ctx, cancel := m.writeCtx()
		defer cancel()
		if err := m.opts.Store.Set(ctx, m.path(), nil); err != nil {
			log.Warn().Err(err).Str("room_id", m.s.RoomID).Msg("room teardown failed")
		}
		m.close()
	})
}

// recordStats applies this game to the profile exactly once, guarded by
// statsRecorded/{uid} in the room and by an in-memory flag for rooms that
// are already gone.
func (m *machine) recordStats(won bool) {
	if m.statsDone {
		return
	}
	m.statsDone = true
	ctx, cancel := m.writeCtx()
	defer cancel()
	gone := false
	_, committed, err := m.opts.Store.Transaction(ctx, m.path(), func(cur rendezvous.Snapshot) (any, error) {
		gone = !cur.Exists()
		if gone || cur.Child("statsRecorded").Child(m.s.UserID).Bool() {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), map[string]any{
			rendezvous.Join("statsRecorded", m.s.UserID): true,
		}), nil
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", m.s.RoomID).Msg("stats guard failed")
		return
	}
	if !committed && !gone {
		return
	}
	game := ledger.GameRPS
	if m.s.Game == Race {
		game = ledger.GameRace
	}
	if _, err := m.opts.Ledger.ApplyGameResult(ctx, m.s.UserID, game, won); err != nil {
		log.Error().Err(err).Str("room_id", m.s.RoomID).Str("uid", m.s.UserID).Msg("record game stats failed")
		m.listener.OnError(err)
	}
}

func (m *machine) close() {
	m.doneOnce.Do(func() {
		close(m.done)
		m.cancel()
	})
}
