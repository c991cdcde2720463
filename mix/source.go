// Package mix is the mixing tree: Source (one playable voice), Layer (a
// concurrency-bounded pool of sources with its own supervisor) and Master
// (the named-layer registry that feeds the output device). Audio flows
// bottom-up one chunk at a time; control flows top-down from any
// goroutine.
package mix

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"soundlayer/audio"
	"soundlayer/decode"
)

const nativeBufFrames = 2048

// pullState classifies one native-frame pull.
type pullState int

const (
	pullOK pullState = iota
	pullUnderrun
	pullEnded
	pullFailed
)

// Source is a single playable voice: a decoder plus a fade envelope plus a
// clamped volume, exposed to its layer through NextChunk. All format
// conversion to the engine's canonical PCM happens here.
//
// A Source is safe for concurrent use. OnStart/OnEnd run synchronously on
// whichever goroutine caused the transition (caller, supervisor or audio
// goroutine), after the source's lock is released, and must not block.
type Source struct {
	cfg    audio.Config
	path   string
	opener func() (decode.Decoder, error)
	logger zerolog.Logger

	onStart func()
	onEnd   func()

	mu     sync.Mutex
	status audio.Status
	dec    decode.Decoder
	env    *audio.Envelope
	volume float64

	loop      int // total plays; 0 = unset (plays once), -1 = infinite
	loopCount int // completed passes this episode

	autoFadeOut time.Duration // 0 = disabled
	evictFade   time.Duration // per-source override for replace-mode fade
	autoFading  bool

	curveSet   bool
	startFired bool
	endFired   bool

	// native-format read buffer
	native  decode.Info
	nbuf    []decode.Frame
	nbufLen int
	nbufPos int

	// linear-interpolation resampler state
	step      float64
	resCur    decode.Frame
	resNext   decode.Frame
	resFrac   float64
	resPrimed bool
	resEnded  bool

	out   []float32
	gains []float32
}

// SourceOption configures a Source at construction.
type SourceOption func(*Source)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(l zerolog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

// WithVolume sets the initial volume, clamped to [0, 1].
func WithVolume(v float64) SourceOption {
	return func(s *Source) { s.volume = audio.ClampGain(v) }
}

// WithLoop sets the total number of plays; -1 loops forever.
func WithLoop(n int) SourceOption {
	return func(s *Source) { s.loop = n }
}

// WithFadeCurve sets the envelope curve explicitly, overriding any layer
// default.
func WithFadeCurve(c audio.FadeCurve) SourceOption {
	return func(s *Source) {
		s.env.SetCurve(c)
		s.curveSet = true
	}
}

// WithAutoFadeOut starts a fade-out automatically once the remaining
// material on the final pass fits inside d. Needs a decoder that can
// report its remaining length; silently inert otherwise.
func WithAutoFadeOut(d time.Duration) SourceOption {
	return func(s *Source) { s.autoFadeOut = d }
}

// WithOnStart registers a hook fired once per play episode.
func WithOnStart(fn func()) SourceOption {
	return func(s *Source) { s.onStart = fn }
}

// WithOnEnd registers a hook fired once per episode when the source stops,
// for any reason: caller stop, natural end, fade to zero or decode error.
func WithOnEnd(fn func()) SourceOption {
	return func(s *Source) { s.onEnd = fn }
}

// WithOpener swaps the decoder factory, e.g. for the streaming decoder
// variant or a synthetic source in tests.
func WithOpener(fn func() (decode.Decoder, error)) SourceOption {
	return func(s *Source) { s.opener = fn }
}

// WithStreaming opens the file through the bounded-ring streaming decoder
// instead of the synchronous one.
func WithStreaming() SourceOption {
	return func(s *Source) {
		path, logger := s.path, s.logger
		s.opener = func() (decode.Decoder, error) {
			return decode.OpenStream(path, logger)
		}
	}
}

// NewSource builds a stopped voice for path. The file itself is opened
// lazily on first pull, so file errors surface from NextChunk, not here.
func NewSource(cfg audio.Config, path string, opts ...SourceOption) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Source{
		cfg:    cfg,
		path:   path,
		logger: zerolog.Nop(),
		status: audio.StatusStopped,
		env:    audio.NewEnvelope(cfg.SampleRate),
		volume: 1.0,
		nbuf:   make([]decode.Frame, nativeBufFrames),
	}
	s.opener = func() (decode.Decoder, error) { return decode.Open(path) }
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the file this source plays.
func (s *Source) Path() string { return s.path }

// Status returns the current playback state.
func (s *Source) Status() audio.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Volume returns the source gain.
func (s *Source) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetVolume sets the source gain, clamped to [0, 1].
func (s *Source) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = audio.ClampGain(v)
}

// Loop returns the configured total play count (0 = unset).
func (s *Source) Loop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

// SetLoop sets the total play count; -1 loops until stopped or evicted.
func (s *Source) SetLoop(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = n
}

// LoopCount returns how many full passes have completed this episode.
func (s *Source) LoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopCount
}

// FadeIn ramps the envelope from silence to unity over d.
func (s *Source) FadeIn(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.StartFadeIn(d, 1.0)
}

// FadeOut ramps the envelope from its current gain to silence over d.
// When the ramp completes the source stops itself and OnEnd fires.
func (s *Source) FadeOut(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.StartFadeOut(d, 0)
}

// FadeKind reports the envelope direction; the layer supervisor uses this
// to move fading-out sources off their concurrency slot.
func (s *Source) FadeKind() audio.FadeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env.Kind()
}

// SetFadeCurve changes the envelope curve.
func (s *Source) SetFadeCurve(c audio.FadeCurve) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.SetCurve(c)
	s.curveSet = true
}

// Seek repositions playback, best effort.
func (s *Source) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return nil
	}
	s.resetConversionLocked()
	return s.dec.Seek(pos)
}

// Play starts or resumes playback. Starting from Stopped resets the loop
// counter and fires OnStart; the decoder opens lazily on the first pull.
func (s *Source) Play() error {
	s.mu.Lock()
	changed, err := audio.Transition(s.status, audio.StatusPlaying)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	fresh := s.status == audio.StatusStopped
	s.status = audio.StatusPlaying
	var cb func()
	if fresh {
		s.loopCount = 0
		s.autoFading = false
		s.endFired = false
		if !s.startFired {
			s.startFired = true
			cb = s.onStart
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// Pause halts playback, keeping the decoder position.
func (s *Source) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := audio.Transition(s.status, audio.StatusPaused)
	if err != nil || !changed {
		return err
	}
	s.status = audio.StatusPaused
	return nil
}

// Stop halts playback and releases the decoder. OnEnd fires synchronously
// on the calling goroutine.
func (s *Source) Stop() error {
	s.mu.Lock()
	changed, err := audio.Transition(s.status, audio.StatusStopped)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	cb := s.finishLocked(audio.StatusStopped)
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// Wait blocks until the source leaves the playing/paused states or the
// timeout elapses. Returns true if the source came to rest in time.
func (s *Source) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		st := s.Status()
		if st != audio.StatusPlaying && st != audio.StatusPaused {
			return true
		}
		if timeout >= 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// setEvictFade records the fade duration replace-mode eviction should use
// for this source. Called by the owning layer at enqueue time.
func (s *Source) setEvictFade(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictFade = d
}

func (s *Source) evictFadeDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictFade
}

// applyLayerDefaults copies the layer defaults onto fields the caller left
// unset. The source's own explicit settings always win.
func (s *Source) applyLayerDefaults(loop int, curve *audio.FadeCurve) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == 0 && loop != 0 {
		s.loop = loop
	}
	if curve != nil && !s.curveSet {
		s.env.SetCurve(*curve)
	}
}

// finishLocked moves the source to a terminal state, releases the
// decoder, and returns the OnEnd hook if it has not fired this episode.
func (s *Source) finishLocked(st audio.Status) func() {
	s.status = st
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	s.resetConversionLocked()
	s.env.Reset(1.0)
	s.autoFading = false
	s.startFired = false
	if s.endFired {
		return nil
	}
	s.endFired = true
	return s.onEnd
}

func (s *Source) resetConversionLocked() {
	s.nbufLen = 0
	s.nbufPos = 0
	s.resPrimed = false
	s.resEnded = false
	s.resFrac = 0
}

// NextChunk produces n frames of canonical-format PCM, or (nil, false)
// when the source has nothing to contribute. Called by the layer on the
// audio goroutine; it never blocks on I/O beyond one synchronous decode.
func (s *Source) NextChunk(n int) ([]float32, bool) {
	s.mu.Lock()
	if s.status != audio.StatusPlaying {
		s.mu.Unlock()
		return nil, false
	}

	if s.dec == nil {
		if err := s.openLocked(); err != nil {
			s.logger.Error().Err(err).Str("path", s.path).Msg("source failed to open")
			sourceErrors.Inc()
			cb := s.finishLocked(audio.StatusError)
			s.mu.Unlock()
			if cb != nil {
				cb()
			}
			return nil, false
		}
	}

	s.maybeAutoFadeLocked()

	ch := s.cfg.Channels
	if cap(s.out) < n*ch {
		s.out = make([]float32, n*ch)
		s.gains = make([]float32, n)
	}
	out := s.out[:n*ch]
	gains := s.gains[:n]

	produced, state := s.fillFramesLocked(out, n)
	for i := produced * ch; i < n*ch; i++ {
		out[i] = 0
	}

	wasFadingOut := s.env.Kind() == audio.FadeOut
	s.env.Multipliers(gains)
	vol := float32(s.volume)
	for i := 0; i < n; i++ {
		g := gains[i] * vol
		for c := 0; c < ch; c++ {
			out[i*ch+c] *= g
		}
	}

	var cb func()
	switch {
	case state == pullFailed:
		sourceErrors.Inc()
		cb = s.finishLocked(audio.StatusError)
	case state == pullEnded:
		cb = s.finishLocked(audio.StatusStopped)
	case wasFadingOut && s.env.Kind() == audio.FadeNone && s.env.Target() <= 1e-9:
		cb = s.finishLocked(audio.StatusStopped)
	}
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return out, true
}

func (s *Source) openLocked() error {
	dec, err := s.opener()
	if err != nil {
		return err
	}
	s.dec = dec
	s.native = dec.Info()
	s.step = float64(s.native.SampleRate) / float64(s.cfg.SampleRate)
	s.resetConversionLocked()
	return nil
}

// maybeAutoFadeLocked arms the end-of-file fade-out once the remaining
// material on the last pass fits inside the configured window.
func (s *Source) maybeAutoFadeLocked() {
	if s.autoFadeOut <= 0 || s.autoFading || s.env.Kind() != audio.FadeNone {
		return
	}
	if s.loop == -1 || s.resEnded || s.loopCount < s.playsWantedLocked()-1 {
		return
	}
	rem := s.dec.RemainingFrames(s.cfg.SampleRate)
	if rem < 0 {
		return
	}
	// The decoder position runs ahead of playback by whatever sits in the
	// native read buffer and the two interpolation frames in flight.
	buffered := int64(s.nbufLen - s.nbufPos)
	if s.resPrimed {
		buffered += 2
	}
	if s.native.SampleRate != s.cfg.SampleRate && s.native.SampleRate > 0 {
		buffered = buffered * int64(s.cfg.SampleRate) / int64(s.native.SampleRate)
	}
	rem += buffered

	window := int64(s.cfg.FramesIn(s.autoFadeOut))
	if rem <= window && rem > 0 {
		s.env.StartFadeOutSamples(uint64(rem), 0)
		s.autoFading = true
	}
}

func (s *Source) playsWantedLocked() int {
	if s.loop == -1 {
		return -1
	}
	if s.loop <= 0 {
		return 1
	}
	return s.loop
}

// fillFramesLocked writes up to n converted frames into out and returns
// how many it produced plus the terminal pull state. Underruns pad with
// silence without ending the source.
func (s *Source) fillFramesLocked(out []float32, n int) (int, pullState) {
	ch := s.cfg.Channels
	scale := float64(s.cfg.MaxSample())

	if !s.resPrimed {
		cur, st := s.nextNativeLocked()
		if st != pullOK {
			return 0, st
		}
		next, st2 := s.nextNativeLocked()
		if st2 == pullFailed {
			return 0, st2
		}
		if st2 != pullOK {
			next = cur
			s.resEnded = st2 == pullEnded
		}
		s.resCur, s.resNext = cur, next
		s.resFrac = 0
		s.resPrimed = true
	}

	for i := 0; i < n; i++ {
		f := s.resFrac
		l := s.resCur[0] + (s.resNext[0]-s.resCur[0])*f
		r := s.resCur[1] + (s.resNext[1]-s.resCur[1])*f
		switch ch {
		case 1:
			out[i] = float32((l + r) / 2 * scale)
		default:
			out[i*2] = float32(l * scale)
			out[i*2+1] = float32(r * scale)
		}

		s.resFrac += s.step
		for s.resFrac >= 1 {
			s.resFrac--
			if s.resEnded {
				if s.resFrac >= 1 {
					continue
				}
				return i + 1, pullEnded
			}
			s.resCur = s.resNext
			next, st := s.nextNativeLocked()
			switch st {
			case pullOK:
				s.resNext = next
			case pullUnderrun:
				// Streaming ring is dry: hold position, pad the rest.
				s.resFrac = 0
				return i + 1, pullUnderrun
			case pullEnded:
				s.resEnded = true
				s.resNext = s.resCur
			case pullFailed:
				return i + 1, pullFailed
			}
		}
	}
	return n, pullOK
}

// nextNativeLocked returns one native-rate frame, refilling the read
// buffer from the decoder and restarting it at the loop boundary.
func (s *Source) nextNativeLocked() (decode.Frame, pullState) {
	for s.nbufPos >= s.nbufLen {
		n, err := s.dec.Read(s.nbuf)
		if n > 0 {
			s.nbufLen = n
			s.nbufPos = 0
			break
		}
		if err == nil {
			return decode.Frame{}, pullUnderrun
		}
		if err == io.EOF {
			wanted := s.playsWantedLocked()
			if wanted == -1 || s.loopCount+1 < wanted {
				s.loopCount++
				if serr := s.dec.Seek(0); serr != nil {
					s.logger.Error().Err(serr).Str("path", s.path).Msg("loop restart failed")
					return decode.Frame{}, pullFailed
				}
				continue
			}
			s.loopCount++
			return decode.Frame{}, pullEnded
		}
		s.logger.Error().Err(err).Str("path", s.path).Msg("decode failed")
		return decode.Frame{}, pullFailed
	}
	f := s.nbuf[s.nbufPos]
	s.nbufPos++
	return f, pullOK
}

// String implements fmt.Stringer for log output.
func (s *Source) String() string {
	return fmt.Sprintf("source(%s)", s.path)
}
