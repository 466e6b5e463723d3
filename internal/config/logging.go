package config

import "github.com/caarlos0/env/v11"

// LogConfig drives logging.Init. Service is stamped on every line so the
// server and peer-sim output can share one file.
type LogConfig struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty  bool   `env:"LOG_PRETTY" envDefault:"false"`
	Service string `env:"LOG_SERVICE" envDefault:"duoplay"`
	Caller  bool   `env:"LOG_CALLER" envDefault:"false"`
	// SampleEvery keeps one line in N; 0 and 1 keep everything.
	SampleEvery int    `env:"LOG_SAMPLE_EVERY" envDefault:"0"`
	File        string `env:"LOG_FILE"`
	MaxMB       int    `env:"LOG_MAX_MB" envDefault:"10"`
}

func LoadLog() (LogConfig, error) {
	var cfg LogConfig
	err := env.Parse(&cfg)
	return cfg, err
}
