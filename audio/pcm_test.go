package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipBounds(t *testing.T) {
	cfg := DefaultConfig()
	buf := []float32{0, 40000, -40000, 32767, -32768, 100.5}
	Clip(cfg, buf)
	assert.Equal(t, []float32{0, 32767, -32768, 32767, -32768, 100.5}, buf)
}

func TestEncodeInt16LittleEndian(t *testing.T) {
	cfg := DefaultConfig()
	src := []float32{0, 1, -1, 32767, -32768, 12345}
	dst := make([]byte, len(src)*2)
	n := EncodeFrames(cfg, src, dst)
	require.Equal(t, len(src)*2, n)

	for i, want := range []int16{0, 1, -1, 32767, -32768, 12345} {
		got := int16(binary.LittleEndian.Uint16(dst[i*2:]))
		assert.Equal(t, want, got, "sample %d", i)
	}
}

func TestEncodeInt32(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = Int32
	src := []float32{0, 1 << 20, -(1 << 20)}
	dst := make([]byte, len(src)*4)
	n := EncodeFrames(cfg, src, dst)
	require.Equal(t, len(src)*4, n)
	assert.Equal(t, int32(0), int32(binary.LittleEndian.Uint32(dst[0:])))
	assert.Equal(t, int32(1<<20), int32(binary.LittleEndian.Uint32(dst[4:])))
	assert.Equal(t, int32(-(1<<20)), int32(binary.LittleEndian.Uint32(dst[8:])))
}

func TestEncodeFloat32RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = Float32
	src := []float32{0, 0.5, -0.25, 1, -1}
	dst := make([]byte, len(src)*4)
	n := EncodeFrames(cfg, src, dst)
	require.Equal(t, len(src)*4, n)
	for i, want := range src {
		got := math.Float32frombits(binary.LittleEndian.Uint32(dst[i*4:]))
		assert.Equal(t, want, got)
	}
}

func TestSineFrames(t *testing.T) {
	cfg := DefaultConfig()
	out := SineFrames(cfg, 440, 100*time.Millisecond)
	require.Equal(t, 4410*cfg.Channels, len(out))

	// Starts at zero, stays inside half scale, both channels identical.
	assert.Equal(t, float32(0), out[0])
	max := cfg.MaxSample() * 0.5
	for i := 0; i < len(out); i += 2 {
		assert.LessOrEqual(t, float64(math.Abs(float64(out[i]))), float64(max)+1)
		assert.Equal(t, out[i], out[i+1])
	}
}
