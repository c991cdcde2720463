package mix

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundlayer/audio"
	"soundlayer/decode"
)

// stubDecoder produces a constant-amplitude signal entirely in memory so
// source behavior can be checked frame-exactly.
type stubDecoder struct {
	rate   int
	frames int
	value  float64
	right  float64 // defaults to value when zero and value != 0

	pos    int
	failAt int // decode error once pos reaches this; -1 disables
	seeks  atomic.Int32
	closed atomic.Bool
}

func newStubDecoder(rate, frames int, value float64) *stubDecoder {
	return &stubDecoder{rate: rate, frames: frames, value: value, right: value, failAt: -1}
}

func (d *stubDecoder) Read(dst []decode.Frame) (int, error) {
	if d.failAt >= 0 && d.pos >= d.failAt {
		return 0, fmt.Errorf("%w: synthetic failure", audio.ErrDecode)
	}
	if d.pos >= d.frames {
		return 0, io.EOF
	}
	n := len(dst)
	if rem := d.frames - d.pos; n > rem {
		n = rem
	}
	if d.failAt >= 0 && d.pos+n > d.failAt {
		n = d.failAt - d.pos
	}
	for i := 0; i < n; i++ {
		dst[i] = decode.Frame{d.value, d.right}
	}
	d.pos += n
	return n, nil
}

func (d *stubDecoder) Seek(pos time.Duration) error {
	d.seeks.Add(1)
	d.pos = int(pos.Seconds() * float64(d.rate))
	return nil
}

func (d *stubDecoder) Info() decode.Info {
	return decode.Info{SampleRate: d.rate, Channels: 2, TotalFrames: int64(d.frames)}
}

func (d *stubDecoder) RemainingFrames(targetRate int) int64 {
	rem := int64(d.frames - d.pos)
	if rem < 0 {
		rem = 0
	}
	if targetRate != d.rate {
		rem = rem * int64(targetRate) / int64(d.rate)
	}
	return rem
}

func (d *stubDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

func testConfig() audio.Config {
	return audio.Config{SampleRate: 1000, Channels: 2, Format: audio.Int16, BufferFrames: 100}
}

func stubSource(t *testing.T, cfg audio.Config, dec decode.Decoder, opts ...SourceOption) *Source {
	t.Helper()
	opts = append(opts, WithOpener(func() (decode.Decoder, error) { return dec, nil }))
	src, err := NewSource(cfg, "stub.wav", opts...)
	require.NoError(t, err)
	return src
}

// pullUntilDone pumps chunks until the source yields nothing, returning
// how many chunks produced data.
func pullUntilDone(t *testing.T, src *Source, chunk, limit int) int {
	t.Helper()
	for i := 0; i < limit; i++ {
		if _, ok := src.NextChunk(chunk); !ok {
			return i
		}
	}
	t.Fatalf("source still producing after %d chunks", limit)
	return 0
}

func TestSourcePlaysSingleShot(t *testing.T) {
	cfg := testConfig()
	dec := newStubDecoder(1000, 1000, 0.5)
	var ends atomic.Int32
	src := stubSource(t, cfg, dec, WithOnEnd(func() { ends.Add(1) }))

	require.NoError(t, src.Play())
	chunks := pullUntilDone(t, src, 100, 50)

	assert.Equal(t, 10, chunks, "1000 frames at 100 per chunk")
	assert.Equal(t, audio.StatusStopped, src.Status())
	assert.Equal(t, int32(1), ends.Load(), "on-end fires exactly once")
	assert.True(t, dec.closed.Load(), "decoder released on stop")
}

func TestSourceChunkCarriesScaledSamples(t *testing.T) {
	cfg := testConfig()
	src := stubSource(t, cfg, newStubDecoder(1000, 1000, 0.5))
	require.NoError(t, src.Play())

	out, ok := src.NextChunk(100)
	require.True(t, ok)
	require.Len(t, out, 200)
	want := float32(0.5) * cfg.MaxSample()
	for i, v := range out {
		require.InDelta(t, want, v, 0.01, "sample %d", i)
	}
}

func TestSourceVolumeScalesOutput(t *testing.T) {
	cfg := testConfig()
	src := stubSource(t, cfg, newStubDecoder(1000, 1000, 0.5), WithVolume(0.5))
	require.NoError(t, src.Play())

	out, ok := src.NextChunk(100)
	require.True(t, ok)
	assert.InDelta(t, 0.25*float64(cfg.MaxSample()), float64(out[0]), 0.01)

	// Out-of-range volumes clamp instead of erroring.
	src.SetVolume(7)
	assert.Equal(t, 1.0, src.Volume())
	src.SetVolume(-3)
	assert.Equal(t, 0.0, src.Volume())
}

func TestSourceLoopTotalPlays(t *testing.T) {
	cfg := testConfig()
	dec := newStubDecoder(1000, 500, 0.5)
	src := stubSource(t, cfg, dec, WithLoop(3))
	require.NoError(t, src.Play())

	chunks := pullUntilDone(t, src, 100, 100)

	// loop=3 means three total plays: 1500 frames, 15 chunks.
	assert.Equal(t, 15, chunks)
	assert.Equal(t, int32(2), dec.seeks.Load(), "two restarts for three passes")
	assert.Equal(t, 3, src.LoopCount())
	assert.Equal(t, audio.StatusStopped, src.Status())
}

func TestSourceInfiniteLoopKeepsGoing(t *testing.T) {
	cfg := testConfig()
	dec := newStubDecoder(1000, 250, 0.5)
	src := stubSource(t, cfg, dec, WithLoop(-1))
	require.NoError(t, src.Play())

	for i := 0; i < 40; i++ {
		_, ok := src.NextChunk(100)
		require.True(t, ok, "chunk %d", i)
	}
	assert.Equal(t, audio.StatusPlaying, src.Status())
	assert.GreaterOrEqual(t, dec.seeks.Load(), int32(10))
	require.NoError(t, src.Stop())
}

func TestSourceLoopOutputIsGapless(t *testing.T) {
	cfg := testConfig()
	// 250-frame file looped twice: every frame of every chunk must carry
	// signal, no silent seam at the restart.
	src := stubSource(t, cfg, newStubDecoder(1000, 250, 0.5), WithLoop(2))
	require.NoError(t, src.Play())

	for i := 0; i < 5; i++ {
		out, ok := src.NextChunk(100)
		require.True(t, ok)
		for j, v := range out {
			require.NotZero(t, v, "chunk %d sample %d went silent", i, j)
		}
	}
	_, ok := src.NextChunk(100)
	assert.False(t, ok)
}

func TestSourceStateMachine(t *testing.T) {
	cfg := testConfig()
	src := stubSource(t, cfg, newStubDecoder(1000, 1000, 0.5))

	// Pause before play is illegal; stop is a silent no-op.
	assert.ErrorIs(t, src.Pause(), audio.ErrInvalidTransition)
	assert.NoError(t, src.Stop())

	require.NoError(t, src.Play())
	assert.NoError(t, src.Play(), "redundant play is silent")
	require.NoError(t, src.Pause())
	assert.Equal(t, audio.StatusPaused, src.Status())

	_, ok := src.NextChunk(100)
	assert.False(t, ok, "paused source contributes nothing")

	require.NoError(t, src.Play())
	_, ok = src.NextChunk(100)
	assert.True(t, ok)
	require.NoError(t, src.Stop())
}

func TestSourceCallbacksOncePerEpisode(t *testing.T) {
	cfg := testConfig()
	var starts, ends atomic.Int32
	dec := newStubDecoder(1000, 10000, 0.5)
	src := stubSource(t, cfg, dec,
		WithOnStart(func() { starts.Add(1) }),
		WithOnEnd(func() { ends.Add(1) }))

	require.NoError(t, src.Play())
	src.NextChunk(100)
	require.NoError(t, src.Pause())
	require.NoError(t, src.Play()) // resume, same episode
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop()) // idempotent

	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, int32(1), ends.Load())

	dec.pos = 0
	require.NoError(t, src.Play()) // second episode
	src.NextChunk(100)
	require.NoError(t, src.Stop())
	assert.Equal(t, int32(2), starts.Load())
	assert.Equal(t, int32(2), ends.Load())
}

func TestSourceFadeOutToZeroAutoStops(t *testing.T) {
	cfg := testConfig()
	var ends atomic.Int32
	src := stubSource(t, cfg, newStubDecoder(1000, 100000, 0.5), WithOnEnd(func() { ends.Add(1) }))
	require.NoError(t, src.Play())
	src.NextChunk(100)

	src.FadeOut(100 * time.Millisecond) // 100 frames at 1 kHz
	out, ok := src.NextChunk(100)
	require.True(t, ok)
	assert.Equal(t, float32(0), out[len(out)-1], "pinned to silence")
	assert.Equal(t, audio.StatusStopped, src.Status())
	assert.Equal(t, int32(1), ends.Load())

	_, ok = src.NextChunk(100)
	assert.False(t, ok)
}

func TestSourceAutoFadeOutNearEnd(t *testing.T) {
	cfg := testConfig()
	src := stubSource(t, cfg, newStubDecoder(1000, 300, 0.8),
		WithAutoFadeOut(100*time.Millisecond),
		WithFadeCurve(audio.CurveLinear))
	require.NoError(t, src.Play())

	first, ok := src.NextChunk(100)
	require.True(t, ok)
	assert.InDelta(t, 0.8*float64(cfg.MaxSample()), float64(first[0]), 1)

	src.NextChunk(100)
	// Remaining material now fits the window: the final chunk ramps to 0.
	last, ok := src.NextChunk(100)
	require.True(t, ok)
	assert.Less(t, absf(last[100]), absf(last[0]), "gain declining")
	assert.Equal(t, float32(0), last[len(last)-1])
	assert.Equal(t, audio.StatusStopped, src.Status())
}

func TestSourceAutoFadeOutDisabledWhenUnknown(t *testing.T) {
	cfg := testConfig()
	dec := newStubDecoder(1000, 300, 0.8)
	src := stubSource(t, cfg, dec, WithAutoFadeOut(100*time.Millisecond))

	// Wrap the stub so the length reads as unknown, like a stream.
	src.opener = func() (decode.Decoder, error) { return unknownLen{dec}, nil }
	require.NoError(t, src.Play())

	src.NextChunk(100)
	src.NextChunk(100)
	out, ok := src.NextChunk(100)
	require.True(t, ok)
	// No ramp: full amplitude right up to the end.
	assert.InDelta(t, 0.8*float64(cfg.MaxSample()), float64(out[150]), 1)
}

type unknownLen struct{ decode.Decoder }

func (unknownLen) RemainingFrames(int) int64 { return -1 }

func TestSourceDecodeErrorTurnsTerminal(t *testing.T) {
	cfg := testConfig()
	var ends atomic.Int32
	dec := newStubDecoder(1000, 1000, 0.5)
	dec.failAt = 250
	src := stubSource(t, cfg, dec, WithOnEnd(func() { ends.Add(1) }))
	require.NoError(t, src.Play())

	src.NextChunk(100)
	src.NextChunk(100)
	out, ok := src.NextChunk(100) // fails at frame 250
	require.True(t, ok, "failing chunk still returns its silence-padded tail")
	assert.NotZero(t, out[0])
	assert.Zero(t, out[199], "tail padded with silence")

	_, ok = src.NextChunk(100)
	assert.False(t, ok)
	assert.Equal(t, audio.StatusError, src.Status())
	assert.Equal(t, int32(1), ends.Load())

	// Error is terminal.
	assert.ErrorIs(t, src.Play(), audio.ErrInvalidTransition)
	assert.ErrorIs(t, src.Stop(), audio.ErrInvalidTransition)
}

func TestSourceOpenFailureSurfacesOnFirstPull(t *testing.T) {
	cfg := testConfig()
	var ends atomic.Int32
	src, err := NewSource(cfg, "missing.wav",
		WithOpener(func() (decode.Decoder, error) {
			return nil, fmt.Errorf("%w: missing.wav", audio.ErrFileNotFound)
		}),
		WithOnEnd(func() { ends.Add(1) }))
	require.NoError(t, err)

	require.NoError(t, src.Play(), "play succeeds, open is lazy")
	_, ok := src.NextChunk(100)
	assert.False(t, ok)
	assert.Equal(t, audio.StatusError, src.Status())
	assert.Equal(t, int32(1), ends.Load())
}

func TestSourceMonoDownmixAverages(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = 1
	dec := newStubDecoder(1000, 1000, 0.5)
	dec.right = 0.25
	src := stubSource(t, cfg, dec)
	require.NoError(t, src.Play())

	out, ok := src.NextChunk(100)
	require.True(t, ok)
	require.Len(t, out, 100)
	assert.InDelta(t, 0.375*float64(cfg.MaxSample()), float64(out[0]), 1)
}

func TestSourceResamplesToOutputRate(t *testing.T) {
	cfg := testConfig()

	// Downsample 2:1: 1000 native frames land in about 500 output frames.
	src := stubSource(t, cfg, newStubDecoder(2000, 1000, 0.5))
	require.NoError(t, src.Play())
	chunks := pullUntilDone(t, src, 100, 50)
	assert.InDelta(t, 5, chunks, 1)

	// Upsample 1:2: 500 native frames stretch to about 1000.
	src = stubSource(t, cfg, newStubDecoder(500, 500, 0.5))
	require.NoError(t, src.Play())
	chunks = pullUntilDone(t, src, 100, 50)
	assert.InDelta(t, 10, chunks, 1)
}

func TestSourceSeekContinuesPlayback(t *testing.T) {
	cfg := testConfig()
	dec := newStubDecoder(1000, 1000, 0.5)
	src := stubSource(t, cfg, dec)
	require.NoError(t, src.Play())
	src.NextChunk(100)

	require.NoError(t, src.Seek(800*time.Millisecond))
	out, ok := src.NextChunk(100)
	require.True(t, ok)
	assert.NotZero(t, out[0])
}

func TestSourceWait(t *testing.T) {
	cfg := testConfig()
	src := stubSource(t, cfg, newStubDecoder(1000, 100, 0.5))
	require.NoError(t, src.Play())
	pullUntilDone(t, src, 100, 10)
	assert.True(t, src.Wait(0))
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
