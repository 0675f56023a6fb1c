package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	router "github.com/dkeye/voicemesh/internal/adapters/http"
	"github.com/dkeye/voicemesh/internal/adapters/media"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	signaling "github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/app/peer"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voicepeer",
		Short: "Join a voice room as a full-mesh WebRTC peer",
		Long: `Join a voice room as a full-mesh WebRTC peer.

Encoded audio arrives as RTP on the listen address and is relayed to every
connected participant over an unordered data channel. Remote audio is written
as RTP, one stream per participant, to the playback address.

Examples:
  voicepeer --room standup --signal-url ws://localhost:8080/api/ws/signal
  VOICEPEER_ICE_TURN=turn:relay.example.com voicepeer --force-relay`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.Flags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	// pion loggers override the level of log.Logger, so the global floor is
	// the lower of the two.
	log.Logger = log.Logger.Level(cfg.Level())
	zerolog.SetGlobalLevel(min(cfg.Level(), cfg.PionLevel()))

	local := domain.PeerID(cfg.PeerID)
	room := domain.ChannelID(cfg.Room)

	sig, err := signaling.Dial(ctx, signaling.Options{
		URL:         cfg.Signaling.URL,
		Secret:      cfg.Signaling.Secret,
		TokenTTL:    cfg.Signaling.TokenTTL,
		ReadLimit:   cfg.Signaling.ReadLimit,
		PingPeriod:  cfg.Signaling.PingPeriod,
		OfferLimit:  cfg.Signaling.OfferLimit,
		OfferWindow: cfg.Signaling.OfferWindow,
	}, local, room)
	if err != nil {
		return err
	}
	defer sig.Close()

	sink, err := media.NewSink(cfg.Media.PlaybackAddr, cfg.Media.PayloadType)
	if err != nil {
		return err
	}
	defer sink.Close()
	// src owns its socket from here; Run closes it.
	src, err := media.Listen(cfg.Media.ListenAddr, cfg.Media.MTU)
	if err != nil {
		return err
	}

	factory := rtc.NewFactory(rtc.ICEConfig{
		STUN:       cfg.ICE.STUN,
		TURN:       cfg.ICE.TURN,
		TURNUser:   cfg.ICE.TURNUser,
		TURNPass:   cfg.ICE.TURNPass,
		ForceRelay: cfg.ICE.ForceRelay,
		Loopback:   cfg.ICE.Loopback,
	}, cfg.PionLevel())

	sess := orch.NewSession(orch.Config{
		Channel:  room,
		Local:    local,
		Protocol: cfg.Channel.Label,
		Peer:     peer.Config{Label: cfg.Channel.Label, HighWater: cfg.Channel.HighWater},
	}, orch.Deps{
		Factory:  factory,
		Signaler: sig,
		Sink:     sink,
		Policy:   cfg.Policy(),
		Audio:    src.Frames(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(gctx) })
	g.Go(func() error { return sess.Run(gctx) })

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: router.SetupRouter(cfg, sess),
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status API started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("status API forced to shutdown")
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("voicepeer exited gracefully")
	return err
}
