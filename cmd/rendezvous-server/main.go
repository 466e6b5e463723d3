package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"duoplay/internal/app"
	"duoplay/internal/config"
	"duoplay/internal/ledger"
	"duoplay/internal/logging"
	"duoplay/internal/matchmaking"
	"duoplay/internal/rendezvous"
	"duoplay/internal/store"
	httptransport "duoplay/internal/transport/http"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.OpenBackend(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("rendezvous backend init failed")
	}
	defer backend.Close()

	deps := httptransport.Deps{Game: cfg.Game, AdminKey: cfg.Server.AdminAPIKey}
	var st rendezvous.Store
	if backend.Kind() == config.BackendRedis {
		rs, err := backend.ConnectRedis(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("rendezvous connect failed")
		}
		st, deps.Reap = rs, rs.Reap
	} else {
		if st, err = backend.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("rendezvous connect failed")
		}
		log.Warn().Msg("memory backend: the tree lives and dies with this process")
	}
	defer st.Close()
	deps.Store = st

	var lopts []ledger.Option
	if cfg.Server.PostgresDSN != "" {
		db, err := store.New(cfg.Server.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("store init failed")
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("db ping failed")
		}
		deps.Journal = db
		lopts = append(lopts, ledger.WithJournal(db))
	}
	deps.Ledger = ledger.New(st, lopts...)

	sched, err := startJobs(st, deps.Reap, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler init failed")
	}
	defer func() { _ = sched.Shutdown() }()

	r := httptransport.NewRouter(deps)
	httptransport.LogRoutes(r)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server stopped")
		return
	}
	log.Info().Msg("server stopped")
}

// startJobs schedules the pool and session sweep and, on Redis, the reaper
// that commits onDisconnect writes of connections whose heartbeat expired.
func startJobs(st rendezvous.Store, reap func(context.Context) (int, error), cfg config.AppConfig) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.Server.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.SweepInterval)
			defer cancel()
			res, err := matchmaking.Sweep(ctx, st, time.Now(), cfg.Game)
			if err != nil {
				log.Warn().Err(err).Msg("sweep failed")
				return
			}
			if res.PoolRemoved > 0 || res.SessionsRemoved > 0 {
				log.Info().
					Int("pool_removed", res.PoolRemoved).
					Int("sessions_removed", res.SessionsRemoved).
					Msg("sweep")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	if reap != nil {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.Server.ReaperInterval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ReaperInterval)
				defer cancel()
				n, err := reap(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("reap failed")
					return
				}
				if n > 0 {
					log.Info().Int("connections", n).Msg("reaped dead connections")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, err
		}
	}
	sched.Start()
	return sched, nil
}
