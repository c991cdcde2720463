package mix

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"soundlayer/audio"
)

// RandomRepeat plays randomly chosen files from a pool on a layer,
// pausing a random interval between plays. Useful for ambient one-shots
// (bird calls, creaks, distant thunder) that should not sound mechanical.
type RandomRepeat struct {
	cfg    audio.Config
	layer  *Layer
	paths  []string
	logger zerolog.Logger

	minWait time.Duration
	maxWait time.Duration
	onEnd   func()

	mu        sync.Mutex
	remaining int // plays left; -1 = unbounded
	stopped   bool

	srcOpts []SourceOption
}

// NewRandomRepeat builds a scheduler that plays `plays` files total
// (plays <= 0 means unbounded), waiting a uniform random duration in
// [minWait, maxWait] between the end of one file and the enqueue of the
// next. onEnd fires once, after the final play finishes; intermediate
// plays fire no hooks.
func NewRandomRepeat(cfg audio.Config, layer *Layer, paths []string, plays int, minWait, maxWait time.Duration, onEnd func(), srcOpts ...SourceOption) *RandomRepeat {
	if plays <= 0 {
		plays = -1
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return &RandomRepeat{
		cfg:       cfg,
		layer:     layer,
		paths:     paths,
		logger:    zerolog.Nop(),
		minWait:   minWait,
		maxWait:   maxWait,
		onEnd:     onEnd,
		remaining: plays,
		srcOpts:   srcOpts,
	}
}

// Start enqueues the first file immediately.
func (r *RandomRepeat) Start() error {
	return r.enqueueNext(0)
}

// Stop ends the cycle: the current file plays out (or is cleared with the
// layer), but nothing further is enqueued and the final hook never fires.
func (r *RandomRepeat) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *RandomRepeat) enqueueNext(delay time.Duration) error {
	r.mu.Lock()
	if r.stopped || len(r.paths) == 0 {
		r.mu.Unlock()
		return nil
	}
	path := r.paths[rand.Intn(len(r.paths))]
	r.mu.Unlock()

	opts := append([]SourceOption{WithOnEnd(r.playEnded)}, r.srcOpts...)
	src, err := NewSource(r.cfg, path, opts...)
	if err != nil {
		return err
	}
	return r.layer.Enqueue(src, WithDelay(delay))
}

// playEnded is the per-source OnEnd hook; it runs on whichever goroutine
// stopped the source, so it only schedules and returns.
func (r *RandomRepeat) playEnded() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.remaining > 0 {
		r.remaining--
	}
	done := r.remaining == 0
	final := r.onEnd
	wait := r.minWait
	if span := r.maxWait - r.minWait; span > 0 {
		wait += time.Duration(rand.Int63n(int64(span)))
	}
	r.mu.Unlock()

	if done {
		if final != nil {
			final()
		}
		return
	}
	if err := r.enqueueNext(wait); err != nil {
		r.logger.Warn().Err(err).Msg("random repeat enqueue failed")
	}
}
