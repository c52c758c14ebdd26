package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callagent/config"
	"github.com/mossy-p/callagent/internal/call"
	"github.com/mossy-p/callagent/internal/handlers"
	"github.com/mossy-p/callagent/internal/history"
	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/peer"
	"github.com/mossy-p/callagent/internal/reaper"
	"github.com/mossy-p/callagent/internal/redis"
	"github.com/mossy-p/callagent/internal/signaling"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open signaling store")
	}
	defer closeStore()

	calls := signaling.NewCalls(store)
	users := identity.NewProvider()

	opts := call.Options{
		ICEServers: cfg.Call.ICEServers,
		ClearDelay: cfg.Call.ClearDelay,
		Logger:     log.Logger,
	}
	var historyReader handlers.HistoryReader
	if cfg.HistoryDSN != "" {
		hs, err := history.Open(cfg.HistoryDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open call history")
		}
		opts.Recorder = hs
		historyReader = hs
		log.Info().Msg("Call history enabled")
	}

	capture := &peer.SampleCapture{
		OnStream: func(s *peer.MediaStream) {
			log.Debug().Str("stream_id", s.ID()).Int("tracks", len(s.Tracks())).Msg("Local media acquired")
		},
	}
	machine := call.NewMachine(calls, peer.NewPionFactory(log.Logger), capture, users, opts)
	go machine.Run(ctx)
	go call.NewWatcher(calls, users, machine, log.Logger).Run(ctx)

	activeCall := func() string {
		if c := machine.State().Call; c != nil {
			return c.CallID
		}
		return ""
	}
	sweeper := reaper.New(calls, users, activeCall, reaper.Options{
		RingTimeout: cfg.Call.RingTimeout,
		Retention:   cfg.Call.Retention,
		Logger:      log.Logger,
	})
	if err := sweeper.Start(ctx, cfg.Call.ReapSchedule); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Call.ReapSchedule).Msg("Failed to schedule record sweeps")
	}

	router := handlers.NewRouter(handlers.RouterOptions{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Users:          users,
		Machine:        machine,
		History:        historyReader,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.SignalingStore).Msg("Starting call agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Call agent is quitting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown")
	}
	<-machine.Done()
}

// openStore selects the signaling backend named by the configuration
func openStore(ctx context.Context, cfg *config.Config) (signaling.Store, func(), error) {
	switch cfg.SignalingStore {
	case "memory":
		log.Warn().Msg("Using in-process signaling store, calls only reach agents in this process")
		return signaling.NewMemoryStore(), func() {}, nil
	case "redis", "":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")
		return signaling.NewRedisStore(client, cfg.Redis.RecordTTL, log.Logger), func() { client.Close() }, nil
	}
	return nil, nil, errors.New("unknown signaling store: " + cfg.SignalingStore)
}
