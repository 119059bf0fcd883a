package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Huddle/internal/adapters/engine"
	"github.com/dkeye/Huddle/internal/adapters/events"
	router "github.com/dkeye/Huddle/internal/adapters/http"
	sig "github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Multi-party room signaling server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, cmd); err != nil {
				log.Error().Err(err).Msg("server failed")
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	f.String("mode", "", "gin mode: debug or release")
	f.Int("port", 0, "http listen port")
	f.String("static", "", "static files directory")
	f.Int("workers", 0, "number of media workers")
	f.String("listen-ip", "", "rtc listen ip")
	f.String("announced-ip", "", "rtc announced ip")
	f.String("amqp-url", "", "AMQP broker url for room events")
	f.String("log-level", "", "log level")
	return cmd
}

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cmd *cobra.Command) error {
	// Initialize zerolog global logger early so config.Load can use it.
	setupLogger(config.LogConfig{Level: "info", Console: true})

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)

	pool, err := engine.NewWorkerPool(engine.Settings{
		NumWorkers: cfg.Media.NumWorkers,
		RtcMinPort: cfg.Media.RtcMinPort,
		RtcMaxPort: cfg.Media.RtcMaxPort,
	})
	if err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer pool.Close()
	go pool.LogResourceUsage(ctx, cfg.Media.UsageLogInterval)

	var sink core.EventSink = events.LogSink{}
	if cfg.Events.AMQPURL != "" {
		amqpSink, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Queue, cfg.Events.Buffer)
		if err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		defer amqpSink.Close()
		sink = events.Multi{events.LogSink{}, amqpSink}
	}

	reg := app.NewRegistry(pool, app.RoomOptions{
		MediaCodecs:        cfg.Media.RtpCodecs(),
		Transport:          cfg.Media.TransportOptions(),
		MaxIncomingBitrate: cfg.Media.MaxIncomingBitrate,
		Observer:           cfg.Observer.Options(),
		Throttler:          pool,
		Policy:             app.SecretPolicy{Secret: cfg.Throttle.Secret, KickSlowPeers: cfg.Signaling.KickSlowPeers},
		Events:             sink,
	})
	defer reg.CloseAll()

	ctl := sig.NewSignalWSController(ctx, reg, sig.Settings{
		SendQueue:      cfg.Signaling.SendBuffer,
		RequestTimeout: cfg.Signaling.RequestTimeout,
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		PingInterval:   cfg.Signaling.PingPeriod,
		MaxMessageSize: cfg.Signaling.ReadLimit,
		RequestRate:    cfg.Signaling.RateLimit,
		RequestBurst:   cfg.Signaling.RateBurst,
		ConnectLimit:   cfg.Signaling.ConnectLimit,
		ConnectWindow:  cfg.Signaling.ConnectWindow,
	})
	r := router.SetupRouter(cfg.HTTP, ctl, reg)
	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
