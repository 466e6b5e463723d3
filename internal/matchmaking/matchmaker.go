// Package matchmaking pairs two online users into a chatRooms session through
// the shared waiting pool.
package matchmaking

import (
	"context"
	"errors"
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

var (
	ErrInvalidSetup = errors.New("invalid_setup")
	ErrTimedOut     = errors.New("matchmaking_timed_out")
	ErrCancelled    = errors.New("matchmaking_cancelled")
)

// Match is a paired session. Created is true on the peer that claimed.
type Match struct {
	SessionID   string
	PartnerID   string
	PartnerName string
	Created     bool
}

type Listener interface {
	OnMatched(Match)
	OnMatchTimedOut()
	OnInsufficientFunds(current int64)
	OnError(err error)
}

// NopListener can be embedded to implement only some callbacks.
type NopListener struct{}

func (NopListener) OnMatched(Match)           {}
func (NopListener) OnMatchTimedOut()          {}
func (NopListener) OnInsufficientFunds(int64) {}
func (NopListener) OnError(error)             {}

type Options struct {
	Loop     *rendezvous.Loop
	Store    rendezvous.Store
	Ledger   *ledger.Ledger
	Presence *presence.Tracker
	Game     config.GameConfig
	UserID   string
	UserName string
	Listener Listener
	Rand     *rand.Rand
}

// Matchmaker runs one search for one user. All fields below opts are owned
// by the loop.
type Matchmaker struct {
	opts     Options
	listener Listener
	rng      *rand.Rand
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state     State
	poolKey   string
	charged   bool
	watches   []*rendezvous.Watch
	timeout   *rendezvous.Timer
	heartbeat *rendezvous.Timer
	grace     *rendezvous.Timer

	doneOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	match    Match
	err      error
}

func New(opts Options) (*Matchmaker, error) {
	switch {
	case opts.Loop == nil, opts.Store == nil, opts.Ledger == nil, opts.Presence == nil:
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidSetup)
	case opts.UserID == "":
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidSetup)
	case opts.Game.MatchTimeout <= 0 || opts.Game.Liveness <= 0:
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidSetup)
	}
	m := &Matchmaker{
		opts:     opts,
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

// Start begins the search on the loop. ctx bounds every store call the
// search makes.
func (m *Matchmaker) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.opts.Loop.Post(m.begin)
}

// Cancel abandons the search and removes the pool entry.
func (m *Matchmaker) Cancel() {
	m.opts.Loop.Post(func() {
		if m.state.Terminal() || m.ctx == nil {
			return
		}
		if m.poolKey != "" {
			if _, err := removeIfPresent(m.ctx, m.opts.Store, m.poolKey); err != nil {
				log.Warn().Err(err).Str("uid", m.opts.UserID).Msg("remove pool entry on cancel failed")
			}
		}
		m.end(Cancelled, Match{}, ErrCancelled)
	})
}

func (m *Matchmaker) Done() <-chan struct{} { return m.done }

// Result is valid once Done is closed.
func (m *Matchmaker) Result() (Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.match, m.err
}

// State reports the current state. Call it on the loop.
func (m *Matchmaker) State() State { return m.state }

func (m *Matchmaker) setState(s State) {
	if m.state == s {
		return
	}
	log.Debug().Str("uid", m.opts.UserID).Str("from", m.state.String()).Str("to", s.String()).Msg("matchmaking state")
	m.state = s
}

func (m *Matchmaker) begin() {
	if m.state != Idle {
		return
	}
	if !m.chargeEntry() {
		return
	}

	m.setState(Sweeping)
	if _, err := Sweep(m.ctx, m.opts.Store, m.now(), m.opts.Game); err != nil {
		log.Warn().Err(err).Str("uid", m.opts.UserID).Msg("pool sweep failed")
	}

	m.setState(Searching)
	m.timeout = m.opts.Loop.AfterFunc(m.opts.Game.MatchTimeout, m.onTimeout)
	if m.tryClaim() {
		return
	}
	m.joinPool()
}

func (m *Matchmaker) chargeEntry() bool {
	cost := m.opts.Game.MatchEntryCost
	if cost <= 0 {
		return true
	}
	chk, err := m.opts.Ledger.CheckBalance(m.ctx, m.opts.UserID, ledger.Coins, cost)
	if err != nil {
		m.end(Failed, Match{}, err)
		return false
	}
	if !chk.Sufficient {
		m.insufficient(chk.Amount)
		return false
	}
	bal, err := m.opts.Ledger.Deduct(m.ctx, m.opts.UserID, ledger.Coins, cost, "match_entry")
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		m.insufficient(bal)
		return false
	}
	if err != nil {
		m.end(Failed, Match{}, err)
		return false
	}
	m.charged = true
	return true
}

func (m *Matchmaker) insufficient(current int64) {
	metrics.Matchmaking.WithLabelValues("insufficient_funds").Inc()
	m.listener.OnInsufficientFunds(current)
	m.terminate(Idle, Match{}, ledger.ErrInsufficientFunds)
}

// tryClaim picks a random live candidate and tries to take it out of the
// pool together with our own entry.
func (m *Matchmaker) tryClaim() bool {
	cands, err := m.candidates()
	if err != nil {
		log.Warn().Err(err).Str("uid", m.opts.UserID).Msg("candidate scan failed")
		return false
	}
	if len(cands) == 0 {
		return false
	}
	c := cands[m.rng.Intn(len(cands))]
	prev := m.state
	m.setState(Claiming)
	taken, ok, err := claimEntries(m.ctx, m.opts.Store, c, m.poolKey)
	if err != nil || !ok {
		if err != nil {
			log.Warn().Err(err).Str("uid", m.opts.UserID).Str("candidate", c.uid).Msg("claim failed")
		}
		m.setState(prev)
		return false
	}
	if m.poolKey != "" {
		_ = m.opts.Store.CancelOnDisconnect(m.ctx, rendezvous.Join(PoolRoot, m.poolKey))
		m.poolKey = ""
	}

	sid := rendezvous.NewPushID()
	session := newSession(m.opts.UserID, m.opts.UserName, c)
	err = rendezvous.Retry(m.ctx, 3, 50*time.Millisecond, func(ctx context.Context) error {
		return m.opts.Store.Set(ctx, rendezvous.Join(SessionRoot, sid), session)
	})
	if err != nil {
		// The pool entries are gone but no session exists: hand the
		// candidate its entry back and wait in the pool like any seeker.
		log.Warn().Err(err).Str("uid", m.opts.UserID).Str("candidate", c.uid).Msg("create session failed, rejoining pool")
		if _, rerr := restoreEntry(m.ctx, m.opts.Store, c.key, taken); rerr != nil {
			log.Error().Err(rerr).Str("candidate", c.uid).Str("entry", c.key).Msg("restore claimed entry failed")
		}
		m.stopWatches()
		m.heartbeat.Stop()
		m.joinPool()
		return true
	}
	log.Info().Str("uid", m.opts.UserID).Str("partner", c.uid).Str("session_id", sid).Msg("matched by claim")
	m.end(Paired, Match{SessionID: sid, PartnerID: c.uid, PartnerName: c.name, Created: true}, nil)
	return true
}

func (m *Matchmaker) candidates() ([]candidate, error) {
	online, err := m.opts.Presence.OnlineUsers(m.ctx, m.opts.UserID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(online))
	for uid := range online {
		ids[uid] = true
	}
	pool, err := m.opts.Store.Once(m.ctx, PoolRoot)
	if err != nil {
		return nil, err
	}
	return liveCandidates(pool, ids, m.opts.UserID, m.now(), m.opts.Game.Liveness), nil
}

func (m *Matchmaker) joinPool() {
	entry := map[string]any{
		"userId":    m.opts.UserID,
		"userName":  m.opts.UserName,
		"timestamp": rendezvous.ServerTimestamp,
	}
	var key string
	err := rendezvous.Retry(m.ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		var err error
		key, err = m.opts.Store.Push(ctx, PoolRoot, entry)
		return err
	})
	if err != nil {
		m.end(Failed, Match{}, fmt.Errorf("join pool: %w", err))
		return
	}
	m.poolKey = key
	if err := m.opts.Store.OnDisconnect(m.ctx, rendezvous.Join(PoolRoot, key), nil); err != nil {
		log.Warn().Err(err).Str("uid", m.opts.UserID).Msg("register pool cleanup failed")
	}
	m.setState(WaitingInPool)

	for _, slot := range []string{"participant1", "participant2"} {
		w, err := m.opts.Loop.WatchQuery(m.ctx, m.opts.Store, rendezvous.Query{
			Path:         SessionRoot,
			OrderByChild: slot,
			EqualTo:      m.opts.UserID,
		}, m.onSessions)
		if err != nil {
			m.end(Failed, Match{}, fmt.Errorf("watch sessions: %w", err))
			return
		}
		m.watches = append(m.watches, w)
	}
	m.heartbeat = m.opts.Loop.AfterFunc(m.opts.Game.Liveness/3, m.onHeartbeat)
}

// onSessions accepts only the live session that consumed our pool entry.
func (m *Matchmaker) onSessions(res []rendezvous.Snapshot) {
	if m.state.Terminal() || m.poolKey == "" {
		return
	}
	for _, s := range res {
		if !s.Child("active").Bool() || !s.Child("participants").Child(m.opts.UserID).Bool() {
			continue
		}
		if s.Child("poolEntryId").Str() != m.poolKey {
			continue
		}
		partner := s.Child("participant1").Str()
		if partner == m.opts.UserID {
			partner = s.Child("participant2").Str()
		}
		_ = m.opts.Store.CancelOnDisconnect(m.ctx, rendezvous.Join(PoolRoot, m.poolKey))
		log.Info().Str("uid", m.opts.UserID).Str("partner", partner).Str("session_id", s.Key()).Msg("matched from pool")
		m.end(Paired, Match{
			SessionID:   s.Key(),
			PartnerID:   partner,
			PartnerName: s.Child("participantNames").Child(partner).Str(),
		}, nil)
		return
	}
}

// onHeartbeat keeps the entry inside the liveness window and rescans, so two
// peers that joined the pool at the same moment still find each other.
func (m *Matchmaker) onHeartbeat() {
	if m.state != WaitingInPool {
		return
	}
	alive, err := refresh(m.ctx, m.opts.Store, m.poolKey)
	if err != nil {
		log.Warn().Err(err).Str("uid", m.opts.UserID).Msg("pool heartbeat failed")
	}
	if err == nil && !alive {
		// Claimed. The session watch ends the search; keep beating in case
		// the claimant hands the entry back.
		m.heartbeat = m.opts.Loop.AfterFunc(m.opts.Game.Liveness/3, m.onHeartbeat)
		return
	}
	if m.tryClaim() {
		return
	}
	m.heartbeat = m.opts.Loop.AfterFunc(m.opts.Game.Liveness/3, m.onHeartbeat)
}

func (m *Matchmaker) onTimeout() {
	if m.state.Terminal() {
		return
	}
	if m.poolKey != "" {
		removed, err := removeIfPresent(m.ctx, m.opts.Store, m.poolKey)
		if err == nil && !removed {
			// someone claimed us; give the session write a moment to land
			m.grace = m.opts.Loop.AfterFunc(m.opts.Game.Liveness, m.timedOut)
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("uid", m.opts.UserID).Msg("remove pool entry on timeout failed")
		}
	}
	m.timedOut()
}

func (m *Matchmaker) timedOut() {
	if m.state.Terminal() {
		return
	}
	m.end(TimedOut, Match{}, ErrTimedOut)
}

func (m *Matchmaker) end(s State, match Match, err error) {
	if m.charged && (s == TimedOut || s == Cancelled || s == Failed) {
		if _, rerr := m.opts.Ledger.Increment(m.ctx, m.opts.UserID, ledger.Coins, m.opts.Game.MatchEntryCost, "match_entry_refund"); rerr != nil {
			log.Error().Err(rerr).Str("uid", m.opts.UserID).Msg("refund match entry failed")
		}
		m.charged = false
	}
	// An entry a claimant handed back during the timeout grace must not
	// outlive the search either.
	if s != Paired && m.poolKey != "" {
		if _, rerr := removeIfPresent(m.ctx, m.opts.Store, m.poolKey); rerr != nil {
			log.Warn().Err(rerr).Str("uid", m.opts.UserID).Str("state", s.String()).Msg("remove pool entry failed")
		}
	}
	metrics.Matchmaking.WithLabelValues(s.String()).Inc()
	m.terminate(s, match, err)
	switch s {
	case Paired:
		m.listener.OnMatched(match)
	case TimedOut:
		m.listener.OnMatchTimedOut()
	case Failed:
		m.listener.OnError(err)
	}
}

func (m *Matchmaker) stopWatches() {
	for _, w := range m.watches {
		w.Cancel()
	}
	m.watches = nil
}

func (m *Matchmaker) terminate(s State, match Match, err error) {
	m.setState(s)
	m.stopWatches()
	m.timeout.Stop()
	m.heartbeat.Stop()
	m.grace.Stop()
	if s != Paired && m.poolKey != "" {
		_ = m.opts.Store.CancelOnDisconnect(m.ctx, rendezvous.Join(PoolRoot, m.poolKey))
	}
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.match = match
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
	m.cancel()
}
