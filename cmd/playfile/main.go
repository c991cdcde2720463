// playfile plays one or more audio files through the default output
// device. With several files and -xfade it crossfades between them on a
// single replace-mode slot; with -tone it skips decoding entirely and
// emits a test sine.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"soundlayer/audio"
	"soundlayer/device"
	"soundlayer/mix"
)

func main() {
	var (
		rateFlag    = flag.Int("rate", 44100, "output sample rate (Hz)")
		channels    = flag.Int("channels", 2, "output channels (1 or 2)")
		frames      = flag.Int("frames", 1024, "buffer frames per pull")
		loop        = flag.Int("loop", 1, "total plays per file (-1 = forever)")
		volume      = flag.Float64("volume", 1.0, "playback volume 0..1")
		fadeIn      = flag.Duration("fadein", 0, "fade-in duration")
		autoFade    = flag.Duration("fadeout", 0, "auto fade-out window before end of file")
		xfade       = flag.Duration("xfade", 0, "crossfade between consecutive files")
		gap         = flag.Duration("gap", 0, "delay between enqueues when crossfading")
		streaming   = flag.Bool("stream", false, "decode through the buffered streaming decoder")
		tone        = flag.Duration("tone", 0, "ignore files, play a 440 Hz test tone this long")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	godotenv.Load(".env")

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	cfg := audio.DefaultConfig()
	cfg.SampleRate = *rateFlag
	cfg.Channels = *channels
	cfg.BufferFrames = *frames
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("bad config")
	}

	sink, err := device.NewPortAudioSink(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("portaudio")
	}

	if *tone > 0 {
		playTone(cfg, sink, *tone, logger)
		return
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: playfile [flags] file [file...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	master, err := mix.NewMaster(cfg, mix.WithMasterLogger(logger), mix.WithSink(sink))
	if err != nil {
		logger.Fatal().Err(err).Msg("master")
	}

	lc := mix.LayerConfig{Concurrency: 1}
	if *xfade > 0 {
		lc.Replace = true
		lc.DefaultFadeOut = *xfade
		lc.DefaultFadeIn = *xfade
	}
	layer, err := master.CreateLayer("playback", lc)
	if err != nil {
		logger.Fatal().Err(err).Msg("layer")
	}

	if err := master.Play(); err != nil {
		logger.Fatal().Err(err).Msg("audio output failed to start")
	}
	defer master.Stop()

	for i, path := range files {
		opts := []mix.SourceOption{
			mix.WithLogger(logger),
			mix.WithVolume(*volume),
			mix.WithLoop(*loop),
		}
		if *autoFade > 0 {
			opts = append(opts, mix.WithAutoFadeOut(*autoFade))
		}
		if *streaming {
			opts = append(opts, mix.WithStreaming())
		}
		src, err := mix.NewSource(cfg, path, opts...)
		if err != nil {
			logger.Fatal().Err(err).Str("file", path).Msg("source")
		}

		enq := []mix.EnqueueOption{}
		if i == 0 && *fadeIn > 0 {
			enq = append(enq, mix.WithEnqueueFadeIn(*fadeIn))
		}
		if i > 0 && *gap > 0 {
			enq = append(enq, mix.WithDelay(time.Duration(i)**gap))
		}
		if err := layer.Enqueue(src, enq...); err != nil {
			logger.Fatal().Err(err).Str("file", path).Msg("enqueue")
		}
		logger.Info().Str("file", path).Msg("queued")
	}

	if !layer.Wait(-1) {
		logger.Warn().Msg("timed out waiting for playback")
	}
	logger.Info().Msg("done")
}

// playTone drives the sink directly with a generated sine, bypassing the
// mixing tree. Handy for checking the output path with no media at hand.
func playTone(cfg audio.Config, sink *device.PortAudioSink, d time.Duration, logger zerolog.Logger) {
	samples := audio.SineFrames(cfg, 440, d)
	pos := 0
	err := sink.Start(func(dst []float32) {
		for i := range dst {
			if pos < len(samples) {
				dst[i] = samples[pos]
				pos++
			} else {
				dst[i] = 0
			}
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("tone playback failed")
	}
	time.Sleep(d + 200*time.Millisecond)
	sink.Stop()
	logger.Info().Dur("duration", d).Msg("tone done")
}
