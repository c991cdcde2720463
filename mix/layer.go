package mix

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"soundlayer/audio"
)

// pollInterval is the supervisor cadence: queue state advances, sources
// get reaped and promoted, roughly ten times a second.
const pollInterval = 100 * time.Millisecond

// LayerConfig sets the per-layer policy knobs. The zero value is a
// single-slot, non-replacing layer with no defaults.
type LayerConfig struct {
	// Concurrency caps the simultaneously active sources; 0 means 1.
	Concurrency int

	// Replace evicts the oldest active sources when newly enqueued ones
	// would exceed Concurrency. Without it, arrivals wait their turn.
	Replace bool

	// DefaultLoop is applied to enqueued sources that did not set their
	// own loop count (0 = no default, -1 = infinite, n = total plays).
	DefaultLoop int

	// DefaultFadeIn is armed on enqueued sources (overridable per call).
	DefaultFadeIn time.Duration

	// DefaultFadeOut is the eviction crossfade length under replace mode
	// (overridable per call). Zero evicts with a hard stop.
	DefaultFadeOut time.Duration

	// DefaultCurve, when non-nil, is applied to sources that did not
	// choose a curve themselves.
	DefaultCurve *audio.FadeCurve

	// Volume is the initial layer gain; zero means unity (use
	// SetVolume(0) to actually mute).
	Volume float64

	// Poll overrides the supervisor cadence, mainly for tests.
	Poll time.Duration
}

type waitEntry struct {
	src        *Source
	enqueuedAt time.Time
	readyAt    time.Time
}

type fadeAction struct {
	src *Source
	d   time.Duration
}

// Layer manages up to Concurrency simultaneously playing sources fed from
// a FIFO wait queue. A background supervisor promotes waiting sources,
// reaps finished ones and orchestrates the replace-mode crossfade; the
// audio goroutine only ever sums the current membership.
type Layer struct {
	name   string
	cfg    audio.Config
	logger zerolog.Logger
	poll   time.Duration

	mu         sync.Mutex
	status     audio.Status
	volume     float64
	conc       int
	replace    bool
	defLoop    int
	defFadeIn  time.Duration
	defFadeOut time.Duration
	defCurve   *audio.FadeCurve

	waiting []waitEntry
	active  []*Source
	fading  []*Source

	running bool

	// mixBuf is touched only by the audio goroutine inside NextChunk.
	mixBuf []float32
}

func newLayer(name string, cfg audio.Config, lc LayerConfig, logger zerolog.Logger) (*Layer, error) {
	if lc.Concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must be positive, got %d", audio.ErrInvalidConfig, lc.Concurrency)
	}
	if lc.Concurrency == 0 {
		lc.Concurrency = 1
	}
	if lc.DefaultLoop == -1 && !lc.Replace {
		return nil, fmt.Errorf("%w: layer %q", audio.ErrLoopConflict, name)
	}
	if lc.Poll <= 0 {
		lc.Poll = pollInterval
	}
	vol := lc.Volume
	if vol == 0 {
		vol = 1.0
	}
	return &Layer{
		name:       name,
		cfg:        cfg,
		logger:     logger.With().Str("layer", name).Logger(),
		poll:       lc.Poll,
		status:     audio.StatusStopped,
		volume:     audio.ClampGain(vol),
		conc:       lc.Concurrency,
		replace:    lc.Replace,
		defLoop:    lc.DefaultLoop,
		defFadeIn:  lc.DefaultFadeIn,
		defFadeOut: lc.DefaultFadeOut,
		defCurve:   lc.DefaultCurve,
	}, nil
}

// Name returns the registry key of this layer.
func (l *Layer) Name() string { return l.name }

// Status returns the layer's playback state.
func (l *Layer) Status() audio.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Volume returns the layer gain.
func (l *Layer) Volume() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.volume
}

// SetVolume sets the layer gain, clamped to [0, 1].
func (l *Layer) SetVolume(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.volume = audio.ClampGain(v)
}

// Concurrency returns the active-slot cap.
func (l *Layer) Concurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conc
}

// SetConcurrency resizes the active-slot cap. On a non-replacing layer
// shrinking takes effect as sources finish; on a replace-mode layer the
// next supervisor tick evicts the oldest sources over the new cap.
func (l *Layer) SetConcurrency(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", audio.ErrInvalidConfig, n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conc = n
	return nil
}

// SetReplace flips the eviction policy. Turning replace off while the
// default loop is infinite is rejected: such sources would hold their
// slot forever.
func (l *Layer) SetReplace(replace bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !replace && l.defLoop == -1 {
		return fmt.Errorf("%w: layer %q", audio.ErrLoopConflict, l.name)
	}
	l.replace = replace
	return nil
}

// SetDefaultLoop changes the loop default applied at enqueue.
func (l *Layer) SetDefaultLoop(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n == -1 && !l.replace {
		return fmt.Errorf("%w: layer %q", audio.ErrLoopConflict, l.name)
	}
	l.defLoop = n
	return nil
}

// Counts reports the population of the three disjoint queues.
func (l *Layer) Counts() (active, waiting, fading int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active), len(l.waiting), len(l.fading)
}

// EnqueueOption tunes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay   time.Duration
	fadeIn  *time.Duration
	fadeOut *time.Duration
}

// WithDelay holds the source in the wait queue until the delay elapses.
// Later arrivals with no delay may overtake it.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithEnqueueFadeIn overrides the layer's default fade-in for this source.
func WithEnqueueFadeIn(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.fadeIn = &d }
}

// WithEnqueueFadeOut overrides the layer's default eviction fade-out for
// this source.
func WithEnqueueFadeOut(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.fadeOut = &d }
}

// Enqueue pushes a source onto the wait queue. Layer defaults (loop,
// curve, eviction fade) apply only where the source did not choose its
// own; an effective fade-in is armed immediately so a delayed source
// still rises from silence when its turn comes.
func (l *Layer) Enqueue(src *Source, opts ...EnqueueOption) error {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	l.mu.Lock()
	src.applyLayerDefaults(l.defLoop, l.defCurve)
	if src.Loop() == -1 && !l.replace {
		l.mu.Unlock()
		return fmt.Errorf("%w: source %s on layer %q", audio.ErrLoopConflict, src, l.name)
	}

	fadeIn := l.defFadeIn
	if o.fadeIn != nil {
		fadeIn = *o.fadeIn
	}
	fadeOut := l.defFadeOut
	if o.fadeOut != nil {
		fadeOut = *o.fadeOut
	}
	src.setEvictFade(fadeOut)
	if fadeIn > 0 {
		src.FadeIn(fadeIn)
	}

	now := time.Now()
	l.waiting = append(l.waiting, waitEntry{
		src:        src,
		enqueuedAt: now,
		readyAt:    now.Add(o.delay),
	})
	l.logger.Debug().Stringer("source", src).Dur("delay", o.delay).Msg("enqueued")
	l.mu.Unlock()
	return nil
}

// Play starts (or resumes) the layer, lazily spawning the supervisor and
// resuming any paused active sources.
func (l *Layer) Play() error {
	l.mu.Lock()
	changed, err := audio.Transition(l.status, audio.StatusPlaying)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if changed {
		l.status = audio.StatusPlaying
	}
	if !l.running {
		l.running = true
		go l.supervise()
	}
	resume := append([]*Source(nil), l.active...)
	l.mu.Unlock()

	for _, s := range resume {
		if err := s.Play(); err != nil {
			l.logger.Warn().Err(err).Stringer("source", s).Msg("resume failed")
		}
	}
	return nil
}

// Pause freezes the layer and every active source. Waiting sources stay
// queued; the supervisor idles until Play.
func (l *Layer) Pause() error {
	l.mu.Lock()
	changed, err := audio.Transition(l.status, audio.StatusPaused)
	if err != nil || !changed {
		l.mu.Unlock()
		return err
	}
	l.status = audio.StatusPaused
	pause := append([]*Source(nil), l.active...)
	l.mu.Unlock()

	for _, s := range pause {
		if err := s.Pause(); err != nil {
			l.logger.Warn().Err(err).Stringer("source", s).Msg("pause failed")
		}
	}
	return nil
}

// Stop halts the layer, stops and drops every queued source, and lets the
// supervisor exit on its next tick.
func (l *Layer) Stop() error {
	l.mu.Lock()
	changed, err := audio.Transition(l.status, audio.StatusStopped)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if changed {
		l.status = audio.StatusStopped
	}
	dropped := l.drainLocked()
	l.mu.Unlock()

	for _, s := range dropped {
		s.Stop()
	}
	return nil
}

// Clear stops and drops every source in all three queues without touching
// the layer's own status.
func (l *Layer) Clear() {
	l.mu.Lock()
	dropped := l.drainLocked()
	l.mu.Unlock()
	for _, s := range dropped {
		s.Stop()
	}
}

func (l *Layer) drainLocked() []*Source {
	dropped := make([]*Source, 0, len(l.waiting)+len(l.active)+len(l.fading))
	for _, e := range l.waiting {
		dropped = append(dropped, e.src)
	}
	dropped = append(dropped, l.active...)
	dropped = append(dropped, l.fading...)
	l.waiting = nil
	l.active = nil
	l.fading = nil
	return dropped
}

// Wait blocks until all three queues are empty or the timeout elapses,
// polling at supervisor cadence. Returns true when the layer drained.
func (l *Layer) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		a, w, f := l.Counts()
		if a+w+f == 0 {
			return true
		}
		if timeout >= 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(l.poll)
	}
}

// supervise runs until the layer stops. Each tick advances the queue
// state machine; source calls happen after the layer lock is released so
// user callbacks can never deadlock against it.
func (l *Layer) supervise() {
	l.logger.Debug().Msg("supervisor started")
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		if l.status == audio.StatusStopped {
			l.running = false
			l.updateMetricsLocked()
			l.mu.Unlock()
			l.logger.Debug().Msg("supervisor exiting")
			return
		}
		var toPlay, toStop []*Source
		var toFade []fadeAction
		if l.status == audio.StatusPlaying {
			toPlay, toStop, toFade = l.tickLocked(time.Now())
		}
		l.updateMetricsLocked()
		l.mu.Unlock()

		for _, a := range toFade {
			a.src.FadeOut(a.d)
		}
		for _, s := range toStop {
			if err := s.Stop(); err != nil {
				l.logger.Warn().Err(err).Stringer("source", s).Msg("evict stop failed")
			}
		}
		for _, s := range toPlay {
			if err := s.Play(); err != nil {
				l.logger.Warn().Err(err).Stringer("source", s).Msg("promote failed")
			}
		}
	}
}

// tickLocked is one supervisor pass: reap, promote crossfade tails, evict
// under replace mode, promote ready waiters. It only mutates queue
// membership; the returned action lists run outside the lock.
func (l *Layer) tickLocked(now time.Time) (toPlay, toStop []*Source, toFade []fadeAction) {
	// 1. Reap sources that came to rest (or died).
	keep := l.active[:0]
	for _, s := range l.active {
		if st := s.Status(); st == audio.StatusStopped || st == audio.StatusError {
			l.logger.Debug().Stringer("source", s).Msg("reaped")
			continue
		}
		keep = append(keep, s)
	}
	l.active = keep

	keepFading := l.fading[:0]
	for _, s := range l.fading {
		if st := s.Status(); st == audio.StatusStopped || st == audio.StatusError {
			continue
		}
		keepFading = append(keepFading, s)
	}
	l.fading = keepFading

	// 2. Sources whose envelope is ramping down stop holding a slot but
	// keep being mixed until they finish.
	keep = l.active[:0]
	for _, s := range l.active {
		if s.FadeKind() == audio.FadeOut {
			l.fading = append(l.fading, s)
			continue
		}
		keep = append(keep, s)
	}
	l.active = keep

	// 3. Replace-mode eviction: free exactly enough slots for the ready
	// part of the wait queue, oldest active first.
	if l.replace {
		ready := 0
		for _, e := range l.waiting {
			if !e.readyAt.After(now) {
				ready++
			}
		}
		over := len(l.active) + ready - l.conc
		if over > len(l.active) {
			over = len(l.active)
		}
		for i := 0; i < over; i++ {
			s := l.active[i]
			evictions.Inc()
			if d := s.evictFadeDuration(); d > 0 {
				toFade = append(toFade, fadeAction{src: s, d: d})
				l.fading = append(l.fading, s)
			} else {
				toStop = append(toStop, s)
			}
			l.logger.Debug().Stringer("source", s).Msg("evicted")
		}
		if over > 0 {
			l.active = append(l.active[:0], l.active[over:]...)
		}
	}

	// 4. Promote ready waiters in FIFO order; entries still inside their
	// delay are skipped, not reordered.
	for i := 0; i < len(l.waiting) && len(l.active) < l.conc; {
		e := l.waiting[i]
		if e.readyAt.After(now) {
			i++
			continue
		}
		l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
		l.active = append(l.active, e.src)
		toPlay = append(toPlay, e.src)
		l.logger.Debug().Stringer("source", e.src).Msg("promoted")
	}
	return toPlay, toStop, toFade
}

func (l *Layer) updateMetricsLocked() {
	activeSources.WithLabelValues(l.name).Set(float64(len(l.active)))
	waitingSources.WithLabelValues(l.name).Set(float64(len(l.waiting)))
	fadingSources.WithLabelValues(l.name).Set(float64(len(l.fading)))
}

// NextChunk sums the active and fading sources into one layer chunk,
// scaled by the layer gain. Returns nil when the layer has nothing to
// contribute; the master treats that as silence. Audio goroutine only.
func (l *Layer) NextChunk(n int) []float32 {
	l.mu.Lock()
	if l.status != audio.StatusPlaying {
		l.mu.Unlock()
		return nil
	}
	srcs := make([]*Source, 0, len(l.active)+len(l.fading))
	srcs = append(srcs, l.active...)
	srcs = append(srcs, l.fading...)
	vol := float32(l.volume)
	ch := l.cfg.Channels
	if cap(l.mixBuf) < n*ch {
		l.mixBuf = make([]float32, n*ch)
	}
	mix := l.mixBuf[:n*ch]
	l.mu.Unlock()

	for i := range mix {
		mix[i] = 0
	}
	contributed := false
	for _, s := range srcs {
		chunk, ok := s.NextChunk(n)
		if !ok {
			continue
		}
		contributed = true
		for i := range mix {
			mix[i] += chunk[i]
		}
	}
	if !contributed {
		return nil
	}
	if vol != 1 {
		for i := range mix {
			mix[i] *= vol
		}
	}
	return mix
}
