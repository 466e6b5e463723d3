// Command peer-sim runs two scripted users through matchmaking, the game
// invitation and one game against the configured rendezvous backend. It
// exits non-zero when any step fails or the scripted winner loses.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duoplay/internal/app"
	"duoplay/internal/config"
	"duoplay/internal/logging"
	"duoplay/internal/store"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)
	peers, err := config.LoadPeer()
	if err != nil {
		log.Fatal().Err(err).Msg("load peer config failed")
	}
	if peers.Rounds > 0 {
		cfg.Game.RoundsToWin = peers.Rounds
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, peers.Timeout)
	defer cancel()

	if err := run(ctx, cfg, peers); err != nil {
		log.Error().Err(err).Msg("simulation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, peers config.PeerConfig) error {
	backend, err := app.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	s := &scenario{backend: backend, game: cfg.Game, peers: peers, seed: peers.Seed}
	if cfg.Server.PostgresDSN != "" {
		db, err := store.New(cfg.Server.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		s.journal = db
	}

	started := time.Now()
	res, err := s.run(ctx)
	if err != nil {
		return err
	}
	logResult(res, time.Since(started))
	return nil
}
