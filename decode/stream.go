package decode

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ringSeconds bounds the decoded PCM kept ahead of playback.
const ringSeconds = 2

// fillSleep is how long the producer naps when the ring is full or the
// stream is parked at end of file waiting for a seek.
const fillSleep = 5 * time.Millisecond

// StreamDecoder is the streaming-with-backpressure variant: a dedicated
// goroutine pulls PCM from the wrapped decoder into a bounded ring
// (~2 seconds of audio) and sleeps when it is full. Read drains the ring
// and never blocks; an empty ring reads as (0, nil) and the Source fills
// the chunk with silence.
//
// TotalFrames and RemainingFrames report unknown: length bookkeeping is a
// FileDecoder capability, and auto fade-out disables itself without it.
type StreamDecoder struct {
	inner  Decoder
	info   Info
	ring   *frameRing
	logger zerolog.Logger

	seekCh  chan time.Duration
	discard atomic.Int64 // frames to flush after a seek
	srcEOF  atomic.Bool  // producer hit end of input
	closed  atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewStream wraps an already-open decoder and starts the producer
// goroutine.
func NewStream(inner Decoder, logger zerolog.Logger) *StreamDecoder {
	info := inner.Info()
	s := &StreamDecoder{
		inner:  inner,
		info:   info,
		ring:   newFrameRing(info.SampleRate * ringSeconds),
		logger: logger.With().Str("component", "stream-decoder").Logger(),
		seekCh: make(chan time.Duration, 1),
		stop:   make(chan struct{}),
	}
	s.info.TotalFrames = -1
	s.wg.Add(1)
	go s.fill()
	return s
}

// OpenStream opens path and wraps it in a StreamDecoder.
func OpenStream(path string, logger zerolog.Logger) (*StreamDecoder, error) {
	inner, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewStream(inner, logger), nil
}

// fill runs on the producer goroutine. It owns the inner decoder
// entirely; no other goroutine touches it.
func (s *StreamDecoder) fill() {
	defer s.wg.Done()
	scratch := make([]Frame, 1024)
	pending := 0 // frames in scratch not yet pushed

	for {
		select {
		case <-s.stop:
			return
		case pos := <-s.seekCh:
			if err := s.inner.Seek(pos); err != nil {
				s.logger.Warn().Err(err).Msg("seek failed")
			}
			s.srcEOF.Store(false)
			pending = 0
			continue
		default:
		}

		if pending > 0 {
			n := s.ring.write(scratch[:pending])
			if n < pending {
				copy(scratch, scratch[n:pending])
				pending -= n
				time.Sleep(fillSleep)
				continue
			}
			pending = 0
		}

		if s.srcEOF.Load() {
			// Parked at end of input until a seek rewinds us.
			time.Sleep(fillSleep)
			continue
		}

		n, err := s.inner.Read(scratch)
		pending = n
		if err == io.EOF {
			s.srcEOF.Store(true)
		} else if err != nil {
			s.logger.Error().Err(err).Msg("decode failed, ending stream")
			s.srcEOF.Store(true)
		} else if n == 0 {
			time.Sleep(fillSleep)
		}
	}
}

// Read drains buffered frames. (0, io.EOF) only once the producer has hit
// end of input and the ring is empty; (0, nil) means underrun.
func (s *StreamDecoder) Read(dst []Frame) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}
	if d := s.discard.Load(); d > 0 {
		dropped := s.ring.skip(uint64(d))
		s.discard.Add(-int64(dropped))
	}
	n := s.ring.read(dst)
	if n == 0 && s.srcEOF.Load() && s.ring.buffered() == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Seek requests a reposition from the producer and flushes what is
// already buffered. Best effort: a chunk already handed to the consumer
// plays out.
func (s *StreamDecoder) Seek(pos time.Duration) error {
	if s.closed.Load() {
		return io.EOF
	}
	s.discard.Store(int64(s.ring.buffered()))
	select {
	case s.seekCh <- pos:
	default:
		// A pending seek is superseded; drain and replace.
		select {
		case <-s.seekCh:
		default:
		}
		s.seekCh <- pos
	}
	// Lift end-of-stream right away so the next Read reports an underrun
	// instead of a stale EOF while the producer repositions.
	s.srcEOF.Store(false)
	return nil
}

// Info reports the native rate and channels; total length is unknown.
func (s *StreamDecoder) Info() Info { return s.info }

// RemainingFrames is unknown for a stream.
func (s *StreamDecoder) RemainingFrames(int) int64 { return -1 }

// Buffered returns the frames queued ahead of playback.
func (s *StreamDecoder) Buffered() int { return s.ring.buffered() }

// Close stops the producer and releases the inner decoder.
func (s *StreamDecoder) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return s.inner.Close()
}
