package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Clip forces every sample in buf into the configured range. Runs once per
// chunk on the master bus, after all summation.
func Clip(cfg Config, buf []float32) {
	lo, hi := cfg.MinSample(), cfg.MaxSample()
	for i, v := range buf {
		if v > hi {
			buf[i] = hi
		} else if v < lo {
			buf[i] = lo
		}
	}
}

// EncodeFrames packs interleaved float32 samples (already clipped to the
// config's range) into little-endian bytes in the configured sample
// format. dst must hold len(src)*BytesPerSample bytes; the byte count
// written is returned.
func EncodeFrames(cfg Config, src []float32, dst []byte) int {
	switch cfg.Format {
	case Int16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(v)))
		}
		return len(src) * 2
	case Int32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(v)))
		}
		return len(src) * 4
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
		return len(src) * 4
	}
	return 0
}

// SineFrames generates an interleaved test tone at the config's sample
// scale. Handy for bring-up and fixtures when no media files are around.
func SineFrames(cfg Config, freq float64, d time.Duration) []float32 {
	frames := cfg.FramesIn(d)
	amp := float64(cfg.MaxSample()) * 0.5
	out := make([]float32, frames*cfg.Channels)
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(cfg.SampleRate)
		v := float32(math.Sin(2*math.Pi*freq*t) * amp)
		for ch := 0; ch < cfg.Channels; ch++ {
			out[i*cfg.Channels+ch] = v
		}
	}
	return out
}
