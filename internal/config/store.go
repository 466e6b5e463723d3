package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type StoreConfig struct {
	Backend       string        `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	Prefix        string        `env:"STORE_PREFIX" envDefault:"rv:"`
	HeartbeatTTL  time.Duration `env:"STORE_HEARTBEAT_TTL" envDefault:"15s"`
}

func LoadStore() (StoreConfig, error) {
	var cfg StoreConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	switch cfg.Backend {
	case BackendMemory, BackendRedis:
	default:
		return cfg, fmt.Errorf("STORE_BACKEND %q: want %s or %s", cfg.Backend, BackendMemory, BackendRedis)
	}
	return cfg, nil
}
