package mix

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundlayer/audio"
)

type fakeSink struct {
	failStart bool
	started   atomic.Int32
	stopped   atomic.Int32
	pull      func([]float32)
}

func (f *fakeSink) Start(pull func(dst []float32)) error {
	if f.failStart {
		return errors.New("no output device")
	}
	f.pull = pull
	f.started.Add(1)
	return nil
}

func (f *fakeSink) Stop() error {
	f.stopped.Add(1)
	return nil
}

func newTestMaster(t *testing.T, opts ...MasterOption) *Master {
	t.Helper()
	m, err := NewMaster(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m
}

// addPlayingSource creates a layer with one long source and waits until it
// is actually being mixed.
func addPlayingSource(t *testing.T, m *Master, layer string, value float64) *Source {
	t.Helper()
	l, err := m.CreateLayer(layer, LayerConfig{Concurrency: 1, Poll: testPoll})
	require.NoError(t, err)
	src := stubSource(t, m.Config(), newStubDecoder(1000, 1<<30, value))
	require.NoError(t, l.Enqueue(src))
	require.NoError(t, m.Play())
	require.Eventually(t, func() bool { return src.Status() == audio.StatusPlaying }, 2*time.Second, testPoll)
	return src
}

func TestMasterRejectsInvalidConfig(t *testing.T) {
	bad := testConfig()
	bad.Channels = 5
	_, err := NewMaster(bad)
	assert.ErrorIs(t, err, audio.ErrInvalidConfig)
}

func TestMasterLayerRegistry(t *testing.T) {
	m := newTestMaster(t)

	a, err := m.CreateLayer("ambience", LayerConfig{Poll: testPoll})
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = m.CreateLayer("ambience", LayerConfig{Poll: testPoll})
	assert.ErrorIs(t, err, audio.ErrLayerExists)

	_, err = m.CreateLayer("sfx", LayerConfig{Poll: testPoll})
	require.NoError(t, err)
	assert.Equal(t, []string{"ambience", "sfx"}, m.LayerNames())

	got, ok := m.GetLayer("ambience")
	assert.True(t, ok)
	assert.Same(t, a, got)

	// Force-replace stops the old layer.
	require.NoError(t, a.Play())
	b, err := m.ReplaceLayer("ambience", LayerConfig{Poll: testPoll})
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, audio.StatusStopped, a.Status())

	require.NoError(t, m.DeleteLayer("sfx"))
	assert.Equal(t, []string{"ambience"}, m.LayerNames())
	assert.Error(t, m.DeleteLayer("sfx"))
}

func TestMasterZeroFillsWhenIdle(t *testing.T) {
	m := newTestMaster(t)
	out := m.NextChunk(64)
	require.Len(t, out, 128)
	for _, v := range out {
		assert.Zero(t, v)
	}

	// Playing with no layers still yields silence, not garbage.
	require.NoError(t, m.Play())
	for _, v := range m.NextChunk(64) {
		assert.Zero(t, v)
	}
}

func TestMasterMixesAndClips(t *testing.T) {
	m := newTestMaster(t)
	addPlayingSource(t, m, "a", 0.9)
	addPlayingSource(t, m, "b", 0.9)

	out := m.NextChunk(50)
	require.Len(t, out, 100)
	// 0.9 + 0.9 at full scale clips to the configured ceiling.
	max := m.Config().MaxSample()
	for i, v := range out {
		require.LessOrEqual(t, v, max, "sample %d above ceiling", i)
		require.GreaterOrEqual(t, v, m.Config().MinSample())
	}
	assert.Equal(t, max, out[0], "summed signal rails at the ceiling")
}

func TestMasterVolumeAppliesToBus(t *testing.T) {
	m := newTestMaster(t)
	addPlayingSource(t, m, "a", 0.5)

	ref := m.NextChunk(50)[0]
	m.SetVolume(0.5)
	half := m.NextChunk(50)[0]
	assert.InDelta(t, float64(ref)*0.5, float64(half), 1)

	m.SetVolume(9)
	assert.Equal(t, 1.0, m.Volume(), "volume clamps")
}

func TestMasterFadeGatesBusOnly(t *testing.T) {
	m := newTestMaster(t)
	src := addPlayingSource(t, m, "a", 0.5)

	// 100 frames of fade-out: one 50-frame chunk declining, second chunk
	// finishes at silence.
	m.FadeOut(100 * time.Millisecond)
	first := m.NextChunk(50)
	assert.Greater(t, absf(first[0]), absf(first[96]), "bus gain declining")
	second := m.NextChunk(50)
	assert.Equal(t, float32(0), second[99], "bus pinned to silence")

	// The layers keep running underneath the silent bus.
	assert.Equal(t, audio.StatusPlaying, src.Status())

	m.FadeIn(100 * time.Millisecond)
	m.NextChunk(50)
	loud := m.NextChunk(50)
	assert.NotZero(t, loud[98])
}

func TestMasterSinkLifecycle(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMaster(t, WithSink(sink))

	require.NoError(t, m.Play())
	assert.Equal(t, int32(1), sink.started.Load())

	// The sink got a live pull that produces canonical chunks.
	require.NotNil(t, sink.pull)
	buf := make([]float32, 100)
	sink.pull(buf)

	require.NoError(t, m.Stop())
	assert.Equal(t, int32(1), sink.stopped.Load())

	// Pause does not tear the stream down.
	require.NoError(t, m.Play())
	require.NoError(t, m.Pause())
	assert.Equal(t, int32(1), sink.stopped.Load())
	require.NoError(t, m.Stop())
	assert.Equal(t, int32(2), sink.stopped.Load())
}

func TestMasterDeviceFailureLeavesStopped(t *testing.T) {
	sink := &fakeSink{failStart: true}
	m := newTestMaster(t, WithSink(sink))

	err := m.Play()
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.Equal(t, audio.StatusStopped, m.Status())
}

func TestMasterPauseSilencesOutput(t *testing.T) {
	m := newTestMaster(t)
	src := addPlayingSource(t, m, "a", 0.5)

	assert.NotZero(t, m.NextChunk(50)[0])
	require.NoError(t, m.Pause())
	assert.Equal(t, audio.StatusPaused, src.Status())
	for _, v := range m.NextChunk(50) {
		assert.Zero(t, v)
	}

	require.NoError(t, m.Play())
	require.Eventually(t, func() bool {
		return m.NextChunk(50)[0] != 0
	}, 2*time.Second, testPoll)
}

func TestMasterBroadcastStop(t *testing.T) {
	m := newTestMaster(t)
	src := addPlayingSource(t, m, "a", 0.5)
	l, _ := m.GetLayer("a")

	require.NoError(t, m.Stop())
	assert.Equal(t, audio.StatusStopped, l.Status())
	assert.Equal(t, audio.StatusStopped, src.Status())
	a, w, f := l.Counts()
	assert.Zero(t, a+w+f)
}

func TestMasterSnapshot(t *testing.T) {
	m := newTestMaster(t)
	addPlayingSource(t, m, "music", 0.5)
	m.SetVolume(0.7)

	snap := m.TakeSnapshot()
	assert.Equal(t, "playing", snap.Status)
	assert.InDelta(t, 0.7, snap.Volume, 1e-9)
	require.Len(t, snap.Layers, 1)
	assert.Equal(t, "music", snap.Layers[0].Name)
	assert.Equal(t, "playing", snap.Layers[0].Status)
	assert.Equal(t, 1, snap.Layers[0].Active)
}

func TestMasterLateLayerJoinsPlayback(t *testing.T) {
	m := newTestMaster(t)
	require.NoError(t, m.Play())

	l, err := m.CreateLayer("late", LayerConfig{Poll: testPoll})
	require.NoError(t, err)
	assert.Equal(t, audio.StatusPlaying, l.Status(), "layer born into a playing tree starts playing")
}
