package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// GameConfig holds the protocol timeouts and tolls shared by both peers.
type GameConfig struct {
	MatchTimeout     time.Duration `env:"MATCH_TIMEOUT" envDefault:"45s"`
	Liveness         time.Duration `env:"POOL_LIVENESS" envDefault:"15s"`
	PoolStaleness    time.Duration `env:"POOL_STALENESS" envDefault:"5m"`
	SessionStaleness time.Duration `env:"SESSION_STALENESS" envDefault:"5m"`
	InviteTimeout    time.Duration `env:"INVITE_TIMEOUT" envDefault:"60s"`
	JoinTimeout      time.Duration `env:"GAME_JOIN_TIMEOUT" envDefault:"30s"`
	Countdown        time.Duration `env:"ROUND_COUNTDOWN" envDefault:"10s"`
	Teardown         time.Duration `env:"GAME_TEARDOWN_DELAY" envDefault:"10s"`
	Stall            time.Duration `env:"GAME_STALL_TIMEOUT" envDefault:"30s"`
	PositionInterval time.Duration `env:"POSITION_INTERVAL" envDefault:"100ms"`

	MatchEntryCost  int64 `env:"MATCH_ENTRY_COST" envDefault:"50"`
	ProposerCost    int64 `env:"INVITE_PROPOSER_COST" envDefault:"2"`
	AcceptorCost    int64 `env:"INVITE_ACCEPTOR_COST" envDefault:"5"`
	RefundOnTimeout bool  `env:"INVITE_REFUND_ON_TIMEOUT" envDefault:"false"`

	RoundsToWin int `env:"ROUNDS_TO_WIN" envDefault:"3"`
	Chapters    int `env:"RACE_CHAPTERS" envDefault:"1"`
}

func LoadGame() (GameConfig, error) {
	var cfg GameConfig
	err := env.Parse(&cfg)
	return cfg, err
}

// DefaultGame returns the envDefault values without reading the process
// environment.
func DefaultGame() GameConfig {
	var cfg GameConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config: bad game defaults: %v", err))
	}
	return cfg
}
