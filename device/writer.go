package device

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"soundlayer/audio"
)

// WriterSink is the blocking-write bridge: a goroutine pulls one buffer
// of frames per period, encodes it to little-endian bytes in the
// configured sample format and writes it to the device handle. The write
// may block; the engine side never does.
type WriterSink struct {
	cfg    audio.Config
	w      io.Writer
	logger zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	chunksWritten  atomic.Uint64
	writeErrors    atomic.Uint64
	avgWriteTimeNs atomic.Int64
}

// NewWriterSink builds an unstarted sink writing to w.
func NewWriterSink(cfg audio.Config, w io.Writer, logger zerolog.Logger) (*WriterSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WriterSink{
		cfg:    cfg,
		w:      w,
		logger: logger.With().Str("component", "writer-sink").Logger(),
	}, nil
}

// Start launches the write loop at one buffer per period.
func (s *WriterSink) Start(pull func(dst []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)

	period := s.cfg.BufferDuration()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		frames := s.cfg.BufferFrames
		chunk := make([]float32, frames*s.cfg.Channels)
		encoded := make([]byte, frames*s.cfg.BytesPerFrame())

		s.logger.Info().Dur("period", period).Msg("write loop started")
		for {
			select {
			case <-s.stop:
				s.logger.Info().Msg("write loop stopped")
				return
			case <-ticker.C:
				pull(chunk)
				n := audio.EncodeFrames(s.cfg, chunk, encoded)

				start := time.Now()
				_, err := s.w.Write(encoded[:n])
				writeTime := time.Since(start)
				if err != nil {
					if s.writeErrors.Add(1) <= 5 {
						s.logger.Error().Err(err).Msg("device write failed")
					}
					continue
				}
				s.chunksWritten.Add(1)

				// Exponential moving average of the write latency.
				avg := s.avgWriteTimeNs.Load()
				s.avgWriteTimeNs.Store((avg*9 + writeTime.Nanoseconds()) / 10)
				if writeTime > period {
					s.logger.Warn().
						Dur("write", writeTime).
						Dur("period", period).
						Msg("device write exceeded buffer period")
				}
			}
		}
	}()
	return nil
}

// Stop halts the write loop and waits for it to drain.
func (s *WriterSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	s.wg.Wait()
	return nil
}

// Stats returns lifetime chunk and error counts plus the smoothed write
// latency.
func (s *WriterSink) Stats() (chunks, errors uint64, avgWrite time.Duration) {
	return s.chunksWritten.Load(), s.writeErrors.Load(), time.Duration(s.avgWriteTimeNs.Load())
}
