package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// PeerConfig configures the peer-sim binary.
type PeerConfig struct {
	UserA   string        `env:"PEER_A_ID" envDefault:"alice"`
	NameA   string        `env:"PEER_A_NAME" envDefault:"Alice"`
	UserB   string        `env:"PEER_B_ID" envDefault:"bob"`
	NameB   string        `env:"PEER_B_NAME" envDefault:"Bob"`
	Variant string        `env:"PEER_GAME" envDefault:"rps"`
	Rounds  int           `env:"PEER_ROUNDS" envDefault:"3"`
	Seed    int64         `env:"PEER_SEED" envDefault:"1"`
	Timeout time.Duration `env:"PEER_TIMEOUT" envDefault:"3m"`
}

func LoadPeer() (PeerConfig, error) {
	var cfg PeerConfig
	err := env.Parse(&cfg)
	return cfg, err
}
