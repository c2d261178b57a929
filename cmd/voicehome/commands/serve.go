package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"voice-home/config"
	"voice-home/internal/application"
	"voice-home/internal/infra/actuator"
	"voice-home/internal/infra/audio"
	"voice-home/internal/infra/httpapi"
	"voice-home/internal/infra/metrics"
	"voice-home/internal/infra/pushover"
	"voice-home/internal/infra/realtime"
	"voice-home/internal/infra/telemetry"
	"voice-home/internal/infra/transcription"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, voice pipeline and telemetry uplink",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)
	ctx := cmd.Context()

	metrics.Init()

	repo, err := openStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if cfg.Database.Seed {
		created, err := repo.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seeding devices: %w", err)
		}
		if created > 0 {
			logger.Info("seeded devices", "count", created)
		}
	}

	act, closeActuator, err := createActuator(cfg.Actuator, logger)
	if err != nil {
		return err
	}
	defer closeActuator()

	hub := realtime.NewHub(logger)
	defer hub.Close()

	observers := []application.Observer{hub}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Pushover.Enabled {
		notifier := pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey, "", logger)
		observers = append(observers, notifier)
		go notifier.Run(ctx)
	}

	fanout := application.NewFanOut(act, cfg.Actuator.Timeout.Std(), logger, observers...)
	coordinator := application.NewCoordinator(repo, fanout, logger)

	stt := transcription.NewClient(cfg.Transcription.URL, cfg.Transcription.Timeout.Std(), logger)
	defer stt.Close()
	if err := stt.Start(ctx); err != nil {
		// Requests dial again on demand.
		logger.Warn("transcription service not reachable yet", "url", cfg.Transcription.URL, "error", err)
	}

	assistant := application.NewAssistant(
		createAudioSource(cfg.Audio, logger),
		createNormalizer(cfg.Audio, logger),
		stt,
		coordinator,
		logger,
	)

	var latest httpapi.TelemetrySource
	if cfg.Telemetry.URL != "" {
		uplink := telemetry.NewUplink(telemetry.Config{
			URL:            cfg.Telemetry.URL,
			ReconnectDelay: cfg.Telemetry.ReconnectDelay.Std(),
			MaxAttempts:    cfg.Telemetry.MaxAttempts,
		}, fanout, logger)
		uplink.Start(ctx)
		defer uplink.Stop()
		latest = uplink
	} else {
		logger.Info("telemetry uplink disabled, no url configured")
	}

	api := httpapi.NewServer(httpapi.Config{
		UploadDir:          cfg.HTTP.UploadDir,
		MaxUploadBytes:     int64(cfg.HTTP.MaxUploadMB) << 20,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
	}, assistant, coordinator, repo, latest, hub, logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting voice home",
		"addr", cfg.HTTP.Addr,
		"audio_source", cfg.Audio.Source,
		"normalizer", cfg.Audio.Normalizer,
		"actuator", cfg.Actuator.Transport,
		"database", cfg.Database.Driver,
	)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- httpapi.Serve(ctx, srv, logger)
	}()

	assistantDone := make(chan error, 1)
	go func() {
		assistantDone <- assistant.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-serverDone:
		cancel()
		<-assistantDone
	case err := <-assistantDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("assistant: %w", err)
		}
		cancel()
		if err := <-serverDone; err != nil && runErr == nil {
			runErr = err
		}
	}

	logger.Info("shutting down")
	return runErr
}

func createActuator(cfg config.ActuatorConfig, logger *slog.Logger) (application.Actuator, func(), error) {
	switch cfg.Transport {
	case "http":
		return actuator.NewHTTPGateway(cfg.URL), func() {}, nil
	case "mqtt":
		client, err := actuator.DialMQTT(cfg.MQTTBroker, "voicehome-"+uuid.NewString()[:8], logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to mqtt broker: %w", err)
		}
		return actuator.NewMQTTGateway(client, cfg.MQTTTopic), client.Close, nil
	default:
		return application.NoopActuator{}, func() {}, nil
	}
}

// createAudioSource returns nil for the http source: uploads arrive through
// the API instead of a local capture loop.
func createAudioSource(cfg config.AudioConfig, logger *slog.Logger) application.AudioSource {
	switch cfg.Source {
	case "file":
		return audio.NewFileSource(cfg.WatchDir, logger)
	case "microphone":
		return audio.NewMicrophoneSource(cfg.SampleRate, cfg.WatchDir, logger)
	default:
		return nil
	}
}

func createNormalizer(cfg config.AudioConfig, logger *slog.Logger) application.AudioNormalizer {
	ffmpeg := audio.NewFFmpegNormalizer(cfg.FFmpegPath, cfg.WavDir)
	native := audio.NewNativeNormalizer(cfg.WavDir)

	switch cfg.Normalizer {
	case "ffmpeg":
		return ffmpeg
	case "native":
		return native
	default:
		return audio.NewAutoNormalizer(native, ffmpeg, logger)
	}
}
