package main

import (
	"bufio"
	"context"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/adapters/capture"
	"github.com/dkeye/Proctor/internal/adapters/docstore"
	"github.com/dkeye/Proctor/internal/adapters/rtc"
	signalhub "github.com/dkeye/Proctor/internal/adapters/signal"
	"github.com/dkeye/Proctor/internal/app/candidate"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// wsURL turns the server's http base into its signal endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/signal"
	return u.String(), nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	id, err := domain.ParseCandidateID(cfg.Candidate.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("candidate.id must be set")
	}
	logger := log.With().Str("module", "agent").Str("candidate", string(id)).Logger()

	capturer, err := capture.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up capture codecs")
	}
	factory, err := rtc.NewFactory(cfg.WebRTC, capturer.RegisterCodecs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	store := docstore.NewClient(cfg.Signal.ServerURL, cfg.Signal.LongPollWait)
	defer store.Close()

	var channel core.SignalChannel = store
	if cfg.Signal.Backend == "push" {
		endpoint, err := wsURL(cfg.Signal.ServerURL)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.Signal.ServerURL).Msg("bad server url")
		}
		push, err := signalhub.Dial(ctx, endpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to reach signal hub")
		}
		defer push.Close()
		channel = push
	}

	if err := store.Register(ctx, domain.RosterEntry{
		ID:          id,
		DisplayName: cfg.Candidate.DisplayName,
		Email:       cfg.Candidate.Email,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register with roster")
	}

	mgr := candidate.New(candidate.Deps{
		Capturer:      capturer,
		Channel:       channel,
		Violations:    store,
		NewConnection: core.ConnectionFactory(factory.NewConnection),
	}, candidate.Options{
		Constraints:        cfg.Proctor.Capture,
		GraceWindow:        cfg.WebRTC.RecoveryGrace,
		ViolationThreshold: cfg.Proctor.ViolationThreshold,
		Email:              cfg.Candidate.Email,
		Retry:              cfg.Retry,
	})

	mgr.OnStatusChange(func(st candidate.Status) {
		logger.Info().Str("status", string(st)).Msg("status")
		if st == candidate.StatusRejected {
			cancel()
		}
	})
	mgr.OnViolationChange(func(n int) {
		logger.Warn().Int("violations", n).Int("threshold", cfg.Proctor.ViolationThreshold).Msg("violation recorded")
	})

	if err := mgr.AcquireCamera(ctx); err != nil {
		logger.Fatal().Err(err).Msg("camera check failed")
	}
	if err := mgr.StartStreaming(ctx, id); err != nil {
		logger.Fatal().Err(err).Msg("failed to start streaming")
	}

	go func() {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			switch strings.TrimSpace(in.Text()) {
			case "violation", "v":
				mgr.RecordViolation(ctx)
			case "reset":
				mgr.ResetViolations()
			case "stop", "q":
				cancel()
				return
			case "":
			default:
				logger.Info().Msg("commands: violation, reset, stop")
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Stopping stream")
	if err := mgr.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("stop failed")
	}
	logger.Info().Msg("Agent exited")
}
