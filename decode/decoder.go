// Package decode turns compressed audio files into PCM frames on demand.
//
// Two implementations satisfy the same Decoder interface: FileDecoder
// reads synchronously inside Read (desktop), StreamDecoder runs the
// decoder on its own goroutine behind a bounded PCM ring (platforms where
// decoding is expensive). Which one a Source wraps is invisible to the
// mixer above it.
package decode

import (
	"time"
)

// Frame is one decoded PCM frame, normalized to [-1, 1]. Mono material
// carries the same value in both slots; channel layout conversion is the
// Source's job, not the decoder's.
type Frame = [2]float64

// Info describes the native properties of an opened stream.
type Info struct {
	SampleRate  int
	Channels    int
	TotalFrames int64 // -1 when unknown (live/streaming input)
}

// Decoder produces interleaved PCM at the file's native rate.
//
// Decoders are not safe for concurrent use; the owning Source serializes
// access under its lock.
type Decoder interface {
	// Read fills dst with up to len(dst) frames. Returning fewer than
	// len(dst) frames is legal only at end of stream; a (0, nil) return
	// means "no data right now" (streaming underrun) and the caller pads
	// with silence. End of stream is io.EOF. A decoder that has reported
	// a terminal error keeps returning io.EOF.
	Read(dst []Frame) (int, error)

	// Seek moves the read position, best effort to the nearest decodable
	// sync point.
	Seek(pos time.Duration) error

	// Info reports the stream's native format.
	Info() Info

	// RemainingFrames estimates the frames left until end of stream,
	// expressed at targetRate. Returns -1 when unknown; the auto
	// fade-out feature quietly disables itself in that case.
	RemainingFrames(targetRate int) int64

	Close() error
}
