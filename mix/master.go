package mix

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"soundlayer/audio"
)

// Sink is the output device collaborator: Start hands it a pull function
// it may call from its audio callback or write loop, Stop tears the
// stream down. The pull fills an interleaved float32 buffer (clipped,
// canonical format) and never blocks.
type Sink interface {
	Start(pull func(dst []float32)) error
	Stop() error
}

// Master is the root of the mixing tree: a registry of named layers whose
// outputs it sums under the master gain, and the owner of the output
// device's lifecycle.
type Master struct {
	cfg    audio.Config
	logger zerolog.Logger

	mu     sync.Mutex
	status audio.Status
	volume float64
	env    *audio.Envelope
	layers map[string]*Layer
	sink   Sink

	// audio-goroutine scratch
	out   []float32
	gains []float32
}

// MasterOption configures a Master at construction.
type MasterOption func(*Master)

// WithMasterLogger attaches a logger; components derive their own.
func WithMasterLogger(l zerolog.Logger) MasterOption {
	return func(m *Master) { m.logger = l }
}

// WithSink attaches the output device collaborator. It can also be set
// later with SetSink, before Play.
func WithSink(s Sink) MasterOption {
	return func(m *Master) { m.sink = s }
}

// NewMaster validates the configuration and builds an empty mixing tree.
func NewMaster(cfg audio.Config, opts ...MasterOption) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Master{
		cfg:    cfg,
		logger: zerolog.Nop(),
		status: audio.StatusStopped,
		volume: 1.0,
		env:    audio.NewEnvelope(cfg.SampleRate),
		layers: make(map[string]*Layer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the canonical PCM format of this tree.
func (m *Master) Config() audio.Config { return m.cfg }

// SetSink attaches or swaps the output device. Only legal while stopped.
func (m *Master) SetSink(s Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != audio.StatusStopped {
		return fmt.Errorf("%w: cannot swap sink while %s", audio.ErrInvalidTransition, m.status)
	}
	m.sink = s
	return nil
}

// CreateLayer registers a new named layer. Names are unique; a collision
// returns audio.ErrLayerExists and leaves the existing layer untouched.
func (m *Master) CreateLayer(name string, lc LayerConfig) (*Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[name]; ok {
		return nil, fmt.Errorf("%w: %q", audio.ErrLayerExists, name)
	}
	return m.createLayerLocked(name, lc)
}

// ReplaceLayer force-creates a layer, stopping and discarding any layer
// already registered under the name.
func (m *Master) ReplaceLayer(name string, lc LayerConfig) (*Layer, error) {
	m.mu.Lock()
	old := m.layers[name]
	delete(m.layers, name)
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLayerLocked(name, lc)
}

func (m *Master) createLayerLocked(name string, lc LayerConfig) (*Layer, error) {
	l, err := newLayer(name, m.cfg, lc, m.logger)
	if err != nil {
		return nil, err
	}
	m.layers[name] = l
	// A layer born into a running tree follows the tree's state.
	if m.status == audio.StatusPlaying {
		defer l.Play()
	}
	return l, nil
}

// GetLayer looks a layer up by name.
func (m *Master) GetLayer(name string) (*Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[name]
	return l, ok
}

// DeleteLayer stops and unregisters a layer.
func (m *Master) DeleteLayer(name string) error {
	m.mu.Lock()
	l, ok := m.layers[name]
	delete(m.layers, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("layer %q not found", name)
	}
	return l.Stop()
}

// LayerNames returns the registered names, sorted.
func (m *Master) LayerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.layers))
	for n := range m.layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Volume returns the master gain.
func (m *Master) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// SetVolume sets the master gain, clamped to [0, 1].
func (m *Master) SetVolume(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = audio.ClampGain(v)
}

// FadeIn ramps the master bus from silence to unity over d.
func (m *Master) FadeIn(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env.StartFadeIn(d, 1.0)
}

// FadeOut ramps the master bus to silence over d. The layers keep
// running underneath; this gates the bus gain only.
func (m *Master) FadeOut(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env.StartFadeOut(d, 0)
}

// Status returns the master playback state.
func (m *Master) Status() audio.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Play opens the output device (if a sink is attached) and broadcasts
// play to every layer. A sink that fails to start leaves the master
// stopped and surfaces audio.ErrDeviceUnavailable.
func (m *Master) Play() error {
	m.mu.Lock()
	changed, err := audio.Transition(m.status, audio.StatusPlaying)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	starting := changed && m.status == audio.StatusStopped
	sink := m.sink
	m.mu.Unlock()

	if starting && sink != nil {
		if err := sink.Start(m.PullInto); err != nil {
			return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
	}

	m.mu.Lock()
	m.status = audio.StatusPlaying
	layers := m.layerListLocked()
	m.mu.Unlock()

	for _, l := range layers {
		if err := l.Play(); err != nil {
			m.logger.Warn().Err(err).Str("layer", l.Name()).Msg("layer play failed")
		}
	}
	return nil
}

// Pause freezes every layer; the device stream stays open and produces
// silence.
func (m *Master) Pause() error {
	m.mu.Lock()
	changed, err := audio.Transition(m.status, audio.StatusPaused)
	if err != nil || !changed {
		m.mu.Unlock()
		return err
	}
	m.status = audio.StatusPaused
	layers := m.layerListLocked()
	m.mu.Unlock()

	for _, l := range layers {
		if err := l.Pause(); err != nil && l.Status() != audio.StatusStopped {
			m.logger.Warn().Err(err).Str("layer", l.Name()).Msg("layer pause failed")
		}
	}
	return nil
}

// Stop halts every layer and closes the device stream.
func (m *Master) Stop() error {
	m.mu.Lock()
	changed, err := audio.Transition(m.status, audio.StatusStopped)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if changed {
		m.status = audio.StatusStopped
	}
	sink := m.sink
	layers := m.layerListLocked()
	m.mu.Unlock()

	for _, l := range layers {
		l.Stop()
	}
	if changed && sink != nil {
		if err := sink.Stop(); err != nil {
			m.logger.Warn().Err(err).Msg("sink stop failed")
		}
	}
	return nil
}

func (m *Master) layerListLocked() []*Layer {
	out := make([]*Layer, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, l)
	}
	return out
}

// PullInto fills dst (interleaved, len = frames*channels) with the mixed,
// clipped output of every playing layer under the master envelope and
// gain. A stopped or paused master yields silence. This is the device
// bridge entry point and must stay non-blocking.
func (m *Master) PullInto(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	frames := len(dst) / m.cfg.Channels
	if frames == 0 {
		return
	}

	m.mu.Lock()
	if m.status != audio.StatusPlaying {
		m.mu.Unlock()
		return
	}
	layers := m.layerListLocked()
	vol := float32(m.volume)
	if cap(m.gains) < frames {
		m.gains = make([]float32, frames)
	}
	gains := m.gains[:frames]
	m.env.Multipliers(gains)
	m.mu.Unlock()

	for _, l := range layers {
		chunk := l.NextChunk(frames)
		if chunk == nil {
			continue
		}
		for i := range dst {
			dst[i] += chunk[i]
		}
	}

	ch := m.cfg.Channels
	for i := 0; i < frames; i++ {
		g := gains[i] * vol
		for c := 0; c < ch; c++ {
			dst[i*ch+c] *= g
		}
	}
	audio.Clip(m.cfg, dst)
	chunksMixed.Inc()
}

// NextChunk returns n mixed frames from an internal scratch buffer. The
// slice is reused across calls; copy it if it must outlive the next pull.
func (m *Master) NextChunk(n int) []float32 {
	if cap(m.out) < n*m.cfg.Channels {
		m.out = make([]float32, n*m.cfg.Channels)
	}
	out := m.out[:n*m.cfg.Channels]
	m.PullInto(out)
	return out
}

// LayerSnapshot is one row of a Snapshot.
type LayerSnapshot struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Volume  float64 `json:"volume"`
	Active  int     `json:"active"`
	Waiting int     `json:"waiting"`
	Fading  int     `json:"fading"`
}

// Snapshot is a point-in-time view of the tree for host UIs.
type Snapshot struct {
	Status string          `json:"status"`
	Volume float64         `json:"volume"`
	Layers []LayerSnapshot `json:"layers"`
}

// TakeSnapshot captures the current tree state.
func (m *Master) TakeSnapshot() Snapshot {
	m.mu.Lock()
	status := m.status
	vol := m.volume
	layers := m.layerListLocked()
	m.mu.Unlock()

	snap := Snapshot{Status: status.String(), Volume: vol}
	for _, l := range layers {
		a, w, f := l.Counts()
		snap.Layers = append(snap.Layers, LayerSnapshot{
			Name:    l.Name(),
			Status:  l.Status().String(),
			Volume:  l.Volume(),
			Active:  a,
			Waiting: w,
			Fading:  f,
		})
	}
	sort.Slice(snap.Layers, func(i, j int) bool { return snap.Layers[i].Name < snap.Layers[j].Name })
	return snap
}
