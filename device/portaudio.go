// Package device bridges the mixing tree to a host audio output. Two
// shapes are provided: PortAudioSink, where the device calls us back for
// frames, and WriterSink, which pushes paced chunks into a blocking
// io.Writer. Both pull one chunk at a time from the master and never hold
// engine locks across a buffer period.
package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"soundlayer/audio"
)

// PortAudioSink drives the engine from the device's audio callback. Each
// callback pulls one chunk from the master and rescales it to the
// normalized float range PortAudio expects.
type PortAudioSink struct {
	cfg    audio.Config
	logger zerolog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool
	buf     []float32
}

// NewPortAudioSink builds an unstarted sink for the given format.
func NewPortAudioSink(cfg audio.Config, logger zerolog.Logger) (*PortAudioSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PortAudioSink{
		cfg:    cfg,
		logger: logger.With().Str("component", "portaudio").Logger(),
		buf:    make([]float32, cfg.BufferFrames*cfg.Channels),
	}, nil
}

// Start initializes PortAudio and opens the default output stream. The
// callback runs on the device's audio thread.
func (s *PortAudioSink) Start(pull func(dst []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}

	scale := s.cfg.MaxSample()
	cb := func(out []float32) {
		if len(s.buf) < len(out) {
			s.buf = make([]float32, len(out))
		}
		chunk := s.buf[:len(out)]
		pull(chunk)
		for i, v := range chunk {
			out[i] = v / scale
		}
	}

	stream, err := portaudio.OpenDefaultStream(0, s.cfg.Channels, float64(s.cfg.SampleRate), s.cfg.BufferFrames, cb)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	s.started = true
	s.logger.Info().
		Int("rate", s.cfg.SampleRate).
		Int("channels", s.cfg.Channels).
		Int("buffer_frames", s.cfg.BufferFrames).
		Msg("output stream started")
	return nil
}

// Stop closes the stream and terminates PortAudio.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	var err error
	if s.stream != nil {
		err = s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
	portaudio.Terminate()
	s.logger.Info().Msg("output stream stopped")
	return err
}
