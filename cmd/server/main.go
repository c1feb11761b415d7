package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/adapters/docstore"
	router "github.com/dkeye/Proctor/internal/adapters/http"
	"github.com/dkeye/Proctor/internal/adapters/rtc"
	signalhub "github.com/dkeye/Proctor/internal/adapters/signal"
	"github.com/dkeye/Proctor/internal/adapters/turn"
	"github.com/dkeye/Proctor/internal/app/monitor"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	store, err := docstore.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Signal.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open document store")
	}
	defer store.Close()

	factory, err := rtc.NewFactory(cfg.WebRTC, rtc.DefaultCodecs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}
	if cfg.TURN.Enabled {
		relay, err := turn.Start(cfg.TURN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start TURN server")
		}
		defer relay.Close()
		factory.WithICEServer(relay.ICEServer())
	}

	hub := signalhub.NewHub(signalhub.HubOptions{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    signalhub.NewJoinRateLimiter(cfg.Signal.JoinLimit, cfg.Signal.JoinInterval),
		Policy:     signalhub.KickSlowPolicy{MaxDropped: 32},
	})

	// Admin sessions meet candidates on the configured backend; the roster
	// always comes from the store.
	var channel core.SignalChannel = store
	if cfg.Signal.Backend == "push" {
		local := hub.Local("monitor")
		defer local.Close()
		channel = local
	}

	registry := monitor.New(monitor.Deps{
		Channel:       channel,
		Roster:        store,
		NewConnection: core.ConnectionFactory(factory.NewConnection),
	}, monitor.Options{
		SweepInterval:   cfg.Monitor.SweepInterval,
		RefreshDelay:    cfg.Monitor.RefreshDelay,
		RefreshAllDelay: cfg.Monitor.RefreshAllDelay,
		GraceWindow:     cfg.WebRTC.RecoveryGrace,
		StreamIdle:      cfg.Monitor.StreamIdleTimeout,
	})
	registry.SetAutoRefresh(cfg.Monitor.AutoRefresh)
	cfg.Watch(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
		registry.SetAutoRefresh(next.Monitor.AutoRefresh)
	})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := registry.Run(ctx); err != nil {
			log.Error().Err(err).Msg("monitor stopped")
		}
	}()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Store:   store,
		Hub:     hub,
		Monitor: registry,
		Viewers: factory,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Proctor server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-monitorDone
	log.Info().Msg("Server exited gracefully")
}
