package mix

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundlayer/decode"
)

func TestRandomRepeatPlaysBudgetThenFinishes(t *testing.T) {
	l := newTestLayer(t, LayerConfig{Concurrency: 1})
	stop := startPump(l)
	defer stop()
	require.NoError(t, l.Play())

	var opened, finals atomic.Int32
	opener := WithOpener(func() (decode.Decoder, error) {
		opened.Add(1)
		return newStubDecoder(1000, 100, 0.5), nil
	})

	rr := NewRandomRepeat(testConfig(), l, []string{"a.wav", "b.wav", "c.wav"}, 3,
		0, 10*time.Millisecond, func() { finals.Add(1) }, opener)
	require.NoError(t, rr.Start())

	require.Eventually(t, func() bool { return finals.Load() == 1 }, 10*time.Second, testPoll)
	assert.Equal(t, int32(3), opened.Load(), "exactly three plays")

	// Nothing further is scheduled once the budget is spent.
	time.Sleep(20 * testPoll)
	assert.Equal(t, int32(3), opened.Load())
	assert.Equal(t, int32(1), finals.Load())
}

func TestRandomRepeatStopCutsCycle(t *testing.T) {
	l := newTestLayer(t, LayerConfig{Concurrency: 1})
	stop := startPump(l)
	defer stop()
	require.NoError(t, l.Play())

	var finals atomic.Int32
	opener := WithOpener(func() (decode.Decoder, error) {
		return newStubDecoder(1000, 100, 0.5), nil
	})
	rr := NewRandomRepeat(testConfig(), l, []string{"a.wav"}, -1,
		0, 0, func() { finals.Add(1) }, opener)
	require.NoError(t, rr.Start())

	require.Eventually(t, func() bool {
		a, w, _ := l.Counts()
		return a+w > 0
	}, 2*time.Second, testPoll)

	rr.Stop()
	require.True(t, l.Wait(5*time.Second), "cycle winds down after stop")
	assert.Zero(t, finals.Load(), "no final hook on an interrupted cycle")
}
