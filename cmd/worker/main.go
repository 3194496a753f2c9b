package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/api"
	"intersection-worker-go/internal/config"
	"intersection-worker-go/internal/logging"
	"intersection-worker-go/internal/services"
	"intersection-worker-go/internal/services/capture"
	"intersection-worker-go/internal/services/lane"
	"intersection-worker-go/internal/services/publisher/encoder"
)

func main() {
	logging.Setup(os.Getenv("ENVIRONMENT"), "info")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logdyWriter, _, err := logging.StartLogdy(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start Logdy")
	}
	if logdyWriter != nil {
		logging.Setup(cfg.Environment, cfg.LogLevel, logdyWriter)
	} else {
		logging.Setup(cfg.Environment, cfg.LogLevel)
	}

	log.Info().
		Str("intersection_id", cfg.IntersectionID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Int("lanes", cfg.LaneCount).
		Bool("ai_enabled", cfg.AIEnabled).
		Str("messaging", cfg.MessagingBackend).
		Msg("Starting intersection worker")

	container, err := services.NewServiceContainer(cfg, services.Dependencies{
		OpenSource: func(laneIdx int, lc config.LaneConfig) (lane.FrameSource, error) {
			src, err := capture.Open(laneIdx, lc.Source, cfg.CaptureWidth, cfg.CaptureHeight)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		Encoder: encoder.NewJPEGEncoder(cfg.OutputQuality),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create services")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	container.Start(ctx)

	server := api.NewServer(cfg, container)
	server.Setup(ctx)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// streaming requests inherit ctx, so cancelling it lets the server drain
	stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Service shutdown incomplete")
	} else {
		log.Info().Msg("Shutdown complete")
	}
}
