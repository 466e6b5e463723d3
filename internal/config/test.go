package config

import "github.com/caarlos0/env/v11"

// JournalTestConfig points the Postgres journal tests at a scratch database.
// Each test gets its own schema named SchemaPrefix plus a timestamp.
type JournalTestConfig struct {
	DSN          string `env:"TEST_POSTGRES_DSN,required,notEmpty"`
	SchemaPrefix string `env:"TEST_SCHEMA_PREFIX" envDefault:"duoplay_journal"`
}

func LoadJournalTest() (JournalTestConfig, error) {
	var cfg JournalTestConfig
	err := env.Parse(&cfg)
	return cfg, err
}
