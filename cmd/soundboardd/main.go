// soundboardd exposes a soundlayer mixing tree over HTTP: create layers,
// enqueue files, fade and mix them, watch state over a WebSocket, scrape
// metrics. Output goes to the default audio device, or nowhere with
// SINK=null for headless boxes and CI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"soundlayer/device"
	"soundlayer/mix"
)

func main() {
	if err := godotenv.Load(".env"); err == nil {
		fmt.Println("loaded environment from .env")
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg := LoadConfig()
	if err := cfg.Audio.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("bad audio config")
	}
	logger.Info().
		Int("rate", cfg.Audio.SampleRate).
		Int("channels", cfg.Audio.Channels).
		Stringer("format", cfg.Audio.Format).
		Int("buffer_frames", cfg.Audio.BufferFrames).
		Str("sounds_dir", cfg.SoundsDir).
		Msg("starting soundboardd")

	var sink mix.Sink
	switch cfg.Sink {
	case "null":
		ws, err := device.NewWriterSink(cfg.Audio, io.Discard, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("null sink")
		}
		sink = ws
	default:
		pa, err := device.NewPortAudioSink(cfg.Audio, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("portaudio sink")
		}
		sink = pa
	}

	master, err := mix.NewMaster(cfg.Audio, mix.WithMasterLogger(logger), mix.WithSink(sink))
	if err != nil {
		logger.Fatal().Err(err).Msg("master")
	}
	master.SetVolume(cfg.MasterVolume)
	if err := master.Play(); err != nil {
		logger.Fatal().Err(err).Msg("audio output failed to start")
	}

	rl := newIPRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	defer rl.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(cfg, master, logger, rl),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Port).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := master.Stop(); err != nil {
		logger.Warn().Err(err).Msg("master stop")
	}
}
