package gameroom

import (
	"context"
	"math"
	"time"

	"duoplay/internal/rendezvous"

	"github.com/rs/zerolog/log"
)

// Race board geometry in normalized coordinates.
const (
	StartX         = 0.1
	StartY         = 0.8
	ObjectiveX     = 0.9
	ObjectiveY     = 0.8
	reachThreshold = 0.1
	minX           = 0.02
	maxX           = 0.93

	baseScore   = 100
	bonusWindow = 200 // seconds
)

// RaceGame is the cooperative-start race: both peers must report a landscape
// orientation and a finished load before the chapter begins, then the first
// to reach the objective wins.
type RaceGame struct {
	*machine

	loaded    bool
	entered   bool
	startedAt int64
	x, y      float64
	lastWrite time.Time
	flush     *rendezvous.Timer
	partnerAt [2]float64
}

func NewRace(opts Options) (*RaceGame, error) {
	m, err := newMachine(opts, Race)
	if err != nil {
		return nil, err
	}
	g := &RaceGame{machine: m, x: StartX, y: StartY, partnerAt: [2]float64{-1, -1}}
	m.handle = g.handle
	m.onEnd = func() { g.flush.Stop() }
	return g, nil
}

func (g *RaceGame) Start(ctx context.Context) {
	g.start(ctx, map[string]any{
		rendezvous.Join("orientationStatus", g.s.UserID): orientation(false),
	})
}

func orientation(landscape bool) map[string]any {
	return map[string]any{
		"isLandscape": landscape,
		"connected":   true,
		"lastUpdated": rendezvous.ServerTimestamp,
	}
}

func (g *RaceGame) SetOrientation(landscape bool) {
	g.opts.Loop.Post(func() {
		if g.ended {
			return
		}
		g.update(map[string]any{rendezvous.Join("orientationStatus", g.s.UserID): orientation(landscape)})
	})
}

// LoadingComplete reports that this peer finished loading the chapter.
func (g *RaceGame) LoadingComplete() {
	g.opts.Loop.Post(func() {
		if g.ended || g.loaded {
			return
		}
		g.loaded = true
		g.update(map[string]any{
			rendezvous.Join("loadingStatus", g.s.UserID): map[string]any{
				"connected": true,
				"timestamp": rendezvous.ServerTimestamp,
			},
		})
	})
}

// Move reports a new position. Writes are throttled to one per position
// interval; reaching the objective ends the game at once.
func (g *RaceGame) Move(x, y float64) {
	g.opts.Loop.Post(func() { g.move(x, y) })
}

// update writes fields of this peer without recreating a removed room.
func (g *RaceGame) update(changes map[string]any) {
	_, _, err := g.tx(func(cur rendezvous.Snapshot) (any, error) {
		return rendezvous.Patch(cur.Value(), changes), nil
	})
	if err != nil {
		g.listener.OnError(err)
	}
}

func (g *RaceGame) handle(snap rendezvous.Snapshot) {
	switch snap.Child("gamePhase").Str() {
	case PhaseOrientationCheck:
		if g.initiator() && landscape(snap, g.s.UserID) && landscape(snap, g.s.PartnerID) {
			g.advance(PhaseOrientationCheck, map[string]any{"gamePhase": PhaseStartLoading})
		}
	case PhaseStartLoading:
		if g.initiator() && loaded(snap, g.s.UserID) && loaded(snap, g.s.PartnerID) {
			g.advance(PhaseStartLoading, map[string]any{
				"gameReadyToStart": true,
				"selectedChapter":  1 + g.rng.Intn(max(g.cfg.Chapters, 1)),
				"gameStarted":      true,
				"gamePhase":        PhaseChapterActive,
				"startedAt":        rendezvous.ServerTimestamp,
				"gameSettings": map[string]any{
					"objectiveX": ObjectiveX,
					"objectiveY": ObjectiveY,
					"threshold":  reachThreshold,
				},
			})
		}
	case PhaseChapterActive:
		g.onActive(snap)
	}
}

func landscape(snap rendezvous.Snapshot, uid string) bool {
	return snap.Child(rendezvous.Join("orientationStatus", uid, "isLandscape")).Bool()
}

func loaded(snap rendezvous.Snapshot, uid string) bool {
	return snap.Child(rendezvous.Join("loadingStatus", uid, "connected")).Bool()
}

// advance moves the room out of phase from; a peer that lost the race to
// advance sees the transaction abort.
func (g *RaceGame) advance(from string, changes map[string]any) {
	_, _, err := g.tx(func(cur rendezvous.Snapshot) (any, error) {
		if cur.Child("gamePhase").Str() != from {
			return nil, rendezvous.ErrAbort
		}
		return rendezvous.Patch(cur.Value(), changes), nil
	})
	if err != nil {
		g.listener.OnError(err)
	}
}

func (g *RaceGame) onActive(snap rendezvous.Snapshot) {
	if !g.entered {
		g.entered = true
		g.startedAt = snap.Child("startedAt").Int()
		g.update(map[string]any{
			rendezvous.Join("chapterPlayers", g.s.UserID): map[string]any{
				"name":     g.s.UserName,
				"joinedAt": rendezvous.ServerTimestamp,
			},
			rendezvous.Join("playerPositions", g.s.UserID): position(StartX, StartY),
			rendezvous.Join("scores", g.s.UserID):          0,
		})
		g.lastWrite = g.now()
	}
	pos := snap.Child(rendezvous.Join("playerPositions", g.s.PartnerID))
	if !pos.Exists() {
		return
	}
	at := [2]float64{pos.Child("x").Float(), pos.Child("y").Float()}
	if at != g.partnerAt {
		g.partnerAt = at
		g.listener.OnPartnerPosition(at[0], at[1])
	}
}

func position(x, y float64) map[string]any {
	return map[string]any{"x": x, "y": y, "lastUpdate": rendezvous.ServerTimestamp}
}

func (g *RaceGame) move(x, y float64) {
	if g.ended || !g.entered || g.room.Child("gamePhase").Str() != PhaseChapterActive {
		return
	}
	g.x = math.Min(math.Max(x, minX), maxX)
	g.y = math.Min(math.Max(y, 0), 1)
	if math.Abs(g.x-ObjectiveX)+math.Abs(g.y-ObjectiveY) < reachThreshold {
		g.reach()
		return
	}
	since := g.now().Sub(g.lastWrite)
	if since >= g.cfg.PositionInterval {
		g.writePosition()
		return
	}
	if !g.flush.Active() {
		g.flush = g.opts.Loop.AfterFunc(g.cfg.PositionInterval-since, g.writePosition)
	}
}

func (g *RaceGame) writePosition() {
	if g.ended {
		return
	}
	g.flush.Stop()
	g.lastWrite = g.now()
	g.update(map[string]any{rendezvous.Join("playerPositions", g.s.UserID): position(g.x, g.y)})
}

// reach claims the win. The completion bonus shrinks by one point per second
// of play and never goes negative.
func (g *RaceGame) reach() {
	g.flush.Stop()
	elapsed := int64(0)
	if g.startedAt > 0 {
		elapsed = max(g.now().UnixMilli()-g.startedAt, 0)
	}
	bonus := max(bonusWindow-elapsed/1000, 0)
	log.Info().
		Str("room_id", g.s.RoomID).
		Str("uid", g.s.UserID).
		Int64("completion_ms", elapsed).
		Int64("time_bonus", bonus).
		Msg("objective reached")
	g.terminal(g.s.UserID, ReasonObjectiveReached, map[string]any{
		"completionTime": elapsed,
		"timeBonus":      bonus,
		rendezvous.Join("scores", g.s.UserID):          baseScore + bonus,
		rendezvous.Join("playerPositions", g.s.UserID): position(g.x, g.y),
	})
}
