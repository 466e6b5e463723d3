package ledger

import (
	"context"
	"fmt"

	"duoplay/internal/metrics"
	"duoplay/internal/rendezvous"
)

const (
	DefaultCoins      = 100
	DefaultGameTokens = 10
	xpPerLevel        = 100
)

// Profile is the users/{uid} record.
type Profile struct {
	Name             string `json:"name"`
	Coins            int64  `json:"coins"`
	GameTokens       int64  `json:"gameTokens"`
	XP               int64  `json:"xp"`
	Level            int64  `json:"level"`
	Wins             int64  `json:"wins"`
	TotalGamesPlayed int64  `json:"totalGamesPlayed"`
	WinStreak        int64  `json:"winStreak"`
	Chapter1Wins     int64  `json:"chapter1Wins"`
	LastLoginDate    int64  `json:"lastLoginDate"`
}

type Game string

const (
	GameRPS  Game = "rps"
	GameRace Game = "race"
)

func userPath(uid string) string { return rendezvous.Join("users", uid) }

func levelFor(xp int64) int64 { return xp/xpPerLevel + 1 }

// EnsureUser creates users/{uid} with the starting balances when it is absent
// and stamps the login time either way.
func (l *Ledger) EnsureUser(ctx context.Context, uid, name string) (Profile, error) {
	if err := validate(uid, Coins, 0); err != nil {
		return Profile{}, err
	}
	_, _, err := l.transact(ctx, userPath(uid), func(cur rendezvous.Snapshot) (any, error) {
		if cur.Exists() {
			return nil, rendezvous.ErrAbort
		}
		return map[string]any{
			"name":             name,
			"coins":            DefaultCoins,
			"gameTokens":       DefaultGameTokens,
			"xp":               0,
			"level":            1,
			"wins":             0,
			"totalGamesPlayed": 0,
			"winStreak":        0,
			"chapter1Wins":     0,
		}, nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("ensure user: %w", err)
	}
	if err := l.st.Update(ctx, userPath(uid), map[string]any{
		"lastLoginDate": rendezvous.ServerTimestamp,
	}); err != nil {
		return Profile{}, fmt.Errorf("stamp login: %w", err)
	}
	return l.Profile(ctx, uid)
}

func (l *Ledger) Profile(ctx context.Context, uid string) (Profile, error) {
	snap, err := l.st.Once(ctx, userPath(uid))
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if !snap.Exists() {
		return p, nil
	}
	if err := snap.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", uid, err)
	}
	return p, nil
}

// ApplyGameResult folds one finished game into the profile in a single
// transaction. Callers guard against applying the same game twice.
func (l *Ledger) ApplyGameResult(ctx context.Context, uid string, game Game, won bool) (Profile, error) {
	if err := validate(uid, GameTokens, 0); err != nil {
		return Profile{}, err
	}
	var tokenDelta int64
	snap, _, err := l.transact(ctx, userPath(uid), func(cur rendezvous.Snapshot) (any, error) {
		var p Profile
		if cur.Exists() {
			if err := cur.Decode(&p); err != nil {
				return nil, err
			}
		}
		next := cur.Value()
		m, _ := next.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		p.TotalGamesPlayed++
		tokenDelta = 0
		switch game {
		case GameRace:
			if won {
				p.Wins++
				p.XP += 75
				p.Chapter1Wins++
				tokenDelta = 25
			} else {
				p.XP += 25
				tokenDelta = 10
			}
		default:
			if won {
				p.Wins++
				p.XP += 20
				p.WinStreak++
			} else {
				p.XP += 5
				p.WinStreak = 0
			}
		}
		p.GameTokens += tokenDelta
		m["totalGamesPlayed"] = p.TotalGamesPlayed
		m["wins"] = p.Wins
		m["xp"] = p.XP
		m["level"] = levelFor(p.XP)
		m["winStreak"] = p.WinStreak
		m["chapter1Wins"] = p.Chapter1Wins
		m["gameTokens"] = p.GameTokens
		return m, nil
	})
	if err != nil {
		metrics.LedgerOps.WithLabelValues("game_result", "error").Inc()
		return Profile{}, fmt.Errorf("apply game result: %w", err)
	}
	metrics.LedgerOps.WithLabelValues("game_result", "ok").Inc()
	var p Profile
	if err := snap.Decode(&p); err != nil {
		return Profile{}, err
	}
	if tokenDelta != 0 {
		l.record(ctx, uid, GameTokens, tokenDelta, p.GameTokens, "game_reward")
	}
	return p, nil
}
