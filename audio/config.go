// Package audio holds the core PCM types shared by every part of the
// engine: the audio configuration, playback status, gain clamping, the
// sample-accurate fade envelope and the raw PCM helpers.
package audio

import (
	"fmt"
	"time"
)

// SampleFormat is the on-the-wire PCM sample encoding.
type SampleFormat uint8

const (
	Int16 SampleFormat = iota
	Int32
	Float32
)

// BytesPerSample returns the encoded width of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case Int16:
		return 2
	case Int32:
		return 4
	case Float32:
		return 4
	}
	return 0
}

// MaxSample returns the largest representable sample value. Mixing happens
// in float32 at this scale; Float32 output uses the normalized [-1, 1]
// range.
func (f SampleFormat) MaxSample() float32 {
	switch f {
	case Int16:
		return 32767
	case Int32:
		return 2147483647
	case Float32:
		return 1.0
	}
	return 0
}

// MinSample returns the most negative representable sample value.
func (f SampleFormat) MinSample() float32 {
	switch f {
	case Int16:
		return -32768
	case Int32:
		return -2147483648
	case Float32:
		return -1.0
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("SampleFormat(%d)", uint8(f))
}

// Config describes the engine's canonical PCM format. It is immutable once
// handed to a mixer subtree; every constructor validates it up front.
type Config struct {
	SampleRate   int // Hz
	Channels     int // 1=mono, 2=stereo
	Format       SampleFormat
	BufferFrames int // frames per pull
}

// DefaultConfig returns the stock 44.1 kHz stereo int16 configuration with
// 1024-frame buffers (~23 ms per pull).
func DefaultConfig() Config {
	return Config{
		SampleRate:   44100,
		Channels:     2,
		Format:       Int16,
		BufferFrames: 1024,
	}
}

// Validate checks the configuration. Constructors across the engine call
// this and refuse to build on error.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfig, c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: channels must be 1 or 2, got %d", ErrInvalidConfig, c.Channels)
	}
	if c.Format.BytesPerSample() == 0 {
		return fmt.Errorf("%w: unknown sample format %d", ErrInvalidConfig, uint8(c.Format))
	}
	if c.BufferFrames <= 0 {
		return fmt.Errorf("%w: buffer frames must be positive, got %d", ErrInvalidConfig, c.BufferFrames)
	}
	return nil
}

// BytesPerFrame returns the encoded size of one frame (all channels).
func (c Config) BytesPerFrame() int {
	return c.Channels * c.Format.BytesPerSample()
}

// BytesPerSecond returns the encoded output rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.BytesPerFrame()
}

// BufferDuration returns the wall-clock span of one pull.
func (c Config) BufferDuration() time.Duration {
	return time.Duration(c.BufferFrames) * time.Second / time.Duration(c.SampleRate)
}

// FramesIn converts a duration to a frame count at the configured rate,
// rounding to nearest.
func (c Config) FramesIn(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((int64(d)*int64(c.SampleRate) + int64(time.Second)/2) / int64(time.Second))
}

// MaxSample is shorthand for c.Format.MaxSample.
func (c Config) MaxSample() float32 { return c.Format.MaxSample() }

// MinSample is shorthand for c.Format.MinSample.
func (c Config) MinSample() float32 { return c.Format.MinSample() }
